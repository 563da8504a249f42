package registry

import (
	"context"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/pkg/notion"
)

// LoadCatalogNotion queries the Notion provider-catalog database for active
// entries. The ops team owns this database; credentials and base URLs still
// come from local config and are merged in by the caller.
func LoadCatalogNotion(ctx context.Context, client notion.Client, dbID string) ([]ProviderConfig, error) {
	filter := &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: "Status",
			Status: &notionapi.StatusFilterCondition{
				Equals: "Active",
			},
		},
	}

	pages, err := notion.QueryAll(ctx, client, dbID, filter)
	if err != nil {
		return nil, eris.Wrap(err, "registry: load notion catalog")
	}

	var out []ProviderConfig
	for _, p := range pages {
		pc, err := parseCatalogPage(p)
		if err != nil {
			zap.L().Warn("registry: skipping malformed catalog page",
				zap.String("page_id", string(p.ID)),
				zap.Error(err),
			)
			continue
		}
		out = append(out, pc)
	}
	return out, nil
}

func parseCatalogPage(p notionapi.Page) (ProviderConfig, error) {
	pc := ProviderConfig{Adapter: "gateway", Enabled: true}

	if prop, ok := p.Properties["ID"]; ok {
		if tp, ok := prop.(*notionapi.TitleProperty); ok {
			pc.ID = plainText(tp.Title)
		}
	}

	if prop, ok := p.Properties["DisplayName"]; ok {
		if rtp, ok := prop.(*notionapi.RichTextProperty); ok {
			pc.DisplayName = plainText(rtp.RichText)
		}
	}

	if prop, ok := p.Properties["Capabilities"]; ok {
		if msp, ok := prop.(*notionapi.MultiSelectProperty); ok {
			for _, opt := range msp.MultiSelect {
				kind, valid := model.ParseFieldKind(opt.Name)
				if !valid {
					return pc, eris.Errorf("unknown capability %q", opt.Name)
				}
				pc.Capabilities = append(pc.Capabilities, kind)
			}
		}
	}

	if prop, ok := p.Properties["CostPerCallUSD"]; ok {
		if np, ok := prop.(*notionapi.NumberProperty); ok {
			pc.CostPerCallUSD = np.Number
		}
	}

	if prop, ok := p.Properties["RequestsPerMinute"]; ok {
		if np, ok := prop.(*notionapi.NumberProperty); ok {
			pc.RateLimit.RequestsPerMinute = int(np.Number)
		}
	}

	if prop, ok := p.Properties["RequestsPerDay"]; ok {
		if np, ok := prop.(*notionapi.NumberProperty); ok {
			pc.RateLimit.RequestsPerDay = int(np.Number)
		}
	}

	if prop, ok := p.Properties["MonthlyQuota"]; ok {
		if np, ok := prop.(*notionapi.NumberProperty); ok {
			pc.MonthlyQuota = int(np.Number)
		}
	}

	if prop, ok := p.Properties["PriorityTier"]; ok {
		if np, ok := prop.(*notionapi.NumberProperty); ok {
			pc.PriorityTier = int(np.Number)
		}
	}

	if prop, ok := p.Properties["Adapter"]; ok {
		if sp, ok := prop.(*notionapi.SelectProperty); ok && sp.Select.Name != "" {
			pc.Adapter = strings.ToLower(sp.Select.Name)
		}
	}

	if prop, ok := p.Properties["BaseURL"]; ok {
		if up, ok := prop.(*notionapi.URLProperty); ok {
			pc.BaseURL = up.URL
		}
	}

	if prop, ok := p.Properties["Model"]; ok {
		if rtp, ok := prop.(*notionapi.RichTextProperty); ok {
			pc.Model = plainText(rtp.RichText)
		}
	}

	if pc.ID == "" {
		return pc, eris.New("missing ID property")
	}
	if len(pc.Capabilities) == 0 {
		return pc, eris.New("missing Capabilities property")
	}
	if pc.DisplayName == "" {
		pc.DisplayName = pc.ID
	}
	return pc, nil
}

func plainText(rich []notionapi.RichText) string {
	var b strings.Builder
	for _, rt := range rich {
		b.WriteString(rt.PlainText)
	}
	return strings.TrimSpace(b.String())
}
