package registry

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
)

// xlsxColumns maps the expected header names of a provider catalog sheet to
// column indexes. The ops team maintains pricing and quota sheets in this
// layout.
var xlsxColumns = []string{
	"id", "display_name", "capabilities", "cost_per_call_usd",
	"requests_per_minute", "requests_per_day", "monthly_quota",
	"priority_tier", "enabled", "adapter", "base_url", "key_header", "model",
}

// LoadCatalogXLSX reads provider configs from the first sheet of an XLSX
// workbook. Malformed rows are skipped with a warning rather than failing
// the whole import.
func LoadCatalogXLSX(path string) ([]ProviderConfig, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: open catalog xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("registry: catalog workbook has no sheets")
	}
	sheet := f.Sheets[0]
	if len(sheet.Rows) < 2 {
		return nil, eris.New("registry: catalog sheet has no data rows")
	}

	idx, err := headerIndex(sheet.Rows[0])
	if err != nil {
		return nil, err
	}

	var out []ProviderConfig
	for i, row := range sheet.Rows[1:] {
		pc, err := parseCatalogRow(row, idx)
		if err != nil {
			zap.L().Warn("registry: skipping malformed catalog row",
				zap.Int("row", i+2),
				zap.Error(err),
			)
			continue
		}
		out = append(out, pc)
	}
	return out, nil
}

func headerIndex(header *xlsx.Row) (map[string]int, error) {
	idx := make(map[string]int, len(header.Cells))
	for i, cell := range header.Cells {
		name := strings.ToLower(strings.TrimSpace(cell.String()))
		if name != "" {
			idx[name] = i
		}
	}
	for _, required := range []string{"id", "capabilities", "cost_per_call_usd"} {
		if _, ok := idx[required]; !ok {
			return nil, eris.Errorf("registry: catalog sheet missing column %q", required)
		}
	}
	return idx, nil
}

func parseCatalogRow(row *xlsx.Row, idx map[string]int) (ProviderConfig, error) {
	cell := func(name string) string {
		i, ok := idx[name]
		if !ok || i >= len(row.Cells) {
			return ""
		}
		return strings.TrimSpace(row.Cells[i].String())
	}

	pc := ProviderConfig{
		ID:          cell("id"),
		DisplayName: cell("display_name"),
		Adapter:     cell("adapter"),
		BaseURL:     cell("base_url"),
		KeyHeader:   cell("key_header"),
		Model:       cell("model"),
	}
	if pc.ID == "" {
		return ProviderConfig{}, eris.New("registry: row missing id")
	}
	if pc.DisplayName == "" {
		pc.DisplayName = pc.ID
	}
	if pc.Adapter == "" {
		pc.Adapter = "gateway"
	}

	for _, raw := range strings.Split(cell("capabilities"), ",") {
		kind, ok := model.ParseFieldKind(raw)
		if !ok {
			return ProviderConfig{}, eris.Errorf("registry: unknown capability %q", raw)
		}
		pc.Capabilities = append(pc.Capabilities, kind)
	}
	if len(pc.Capabilities) == 0 {
		return ProviderConfig{}, eris.New("registry: row has no capabilities")
	}

	var err error
	if pc.CostPerCallUSD, err = strconv.ParseFloat(cell("cost_per_call_usd"), 64); err != nil {
		return ProviderConfig{}, eris.Wrap(err, "registry: parse cost_per_call_usd")
	}
	pc.RateLimit.RequestsPerMinute = parseIntCell(cell("requests_per_minute"))
	pc.RateLimit.RequestsPerDay = parseIntCell(cell("requests_per_day"))
	pc.MonthlyQuota = parseIntCell(cell("monthly_quota"))
	pc.PriorityTier = parseIntCell(cell("priority_tier"))

	switch strings.ToLower(cell("enabled")) {
	case "", "true", "yes", "1":
		pc.Enabled = true
	}
	return pc, nil
}

func parseIntCell(s string) int {
	if s == "" {
		return 0
	}
	// Numeric cells sometimes render as floats ("100.0").
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return 0
}
