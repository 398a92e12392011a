package findings

import (
	"sort"
	"sync"
)

// CatalogEntry describes a commonly reported lab test.
type CatalogEntry struct {
	Name      string
	Aliases   []string
	Unit      string
	Reference string
	Category  string
}

var catalog = []CatalogEntry{
	// Hematology
	{Name: "Hemoglobin", Aliases: []string{"hemoglobin", "haemoglobin", "hgb", "hb"}, Unit: "g/dL", Reference: "12.0-17.5", Category: "Hematology"},
	{Name: "Hematocrit", Aliases: []string{"hematocrit", "hct", "pcv"}, Unit: "%", Reference: "36-51", Category: "Hematology"},
	{Name: "RBC", Aliases: []string{"rbc", "red blood cell", "red blood cells"}, Unit: "M/uL", Reference: "4.0-5.5", Category: "Hematology"},
	{Name: "WBC", Aliases: []string{"wbc", "white blood cell", "white blood cells", "tlc"}, Unit: "K/uL", Reference: "4.5-11.0", Category: "Hematology"},
	{Name: "Platelet", Aliases: []string{"platelet", "platelets", "plt"}, Unit: "K/uL", Reference: "150-400", Category: "Hematology"},
	{Name: "MCV", Aliases: []string{"mcv"}, Unit: "fL", Reference: "80-100", Category: "Hematology"},
	{Name: "MCH", Aliases: []string{"mch"}, Unit: "pg", Reference: "27-31", Category: "Hematology"},
	{Name: "MCHC", Aliases: []string{"mchc"}, Unit: "g/dL", Reference: "32-36", Category: "Hematology"},
	{Name: "ESR", Aliases: []string{"esr"}, Unit: "mm/hr", Reference: "0-20", Category: "Hematology"},
	// Metabolic
	{Name: "Glucose", Aliases: []string{"glucose", "fasting glucose", "blood sugar", "fasting blood sugar", "fbs"}, Unit: "mg/dL", Reference: "70-100", Category: "Metabolic"},
	{Name: "HbA1c", Aliases: []string{"hba1c", "glycated hemoglobin", "glycosylated hemoglobin"}, Unit: "%", Reference: "4.0-5.6", Category: "Metabolic"},
	// Kidney
	{Name: "Creatinine", Aliases: []string{"creatinine"}, Unit: "mg/dL", Reference: "0.7-1.3", Category: "Kidney"},
	{Name: "BUN", Aliases: []string{"bun", "blood urea nitrogen"}, Unit: "mg/dL", Reference: "7-20", Category: "Kidney"},
	{Name: "Urea", Aliases: []string{"urea"}, Unit: "mg/dL", Reference: "15-40", Category: "Kidney"},
	{Name: "Uric Acid", Aliases: []string{"uric acid"}, Unit: "mg/dL", Reference: "3.5-7.2", Category: "Kidney"},
	// Electrolytes
	{Name: "Sodium", Aliases: []string{"sodium", "na+"}, Unit: "mEq/L", Reference: "136-145", Category: "Electrolytes"},
	{Name: "Potassium", Aliases: []string{"potassium", "k+"}, Unit: "mEq/L", Reference: "3.5-5.0", Category: "Electrolytes"},
	{Name: "Chloride", Aliases: []string{"chloride"}, Unit: "mEq/L", Reference: "98-106", Category: "Electrolytes"},
	{Name: "Calcium", Aliases: []string{"calcium"}, Unit: "mg/dL", Reference: "8.5-10.5", Category: "Electrolytes"},
	// Lipid
	{Name: "Total Cholesterol", Aliases: []string{"total cholesterol", "cholesterol"}, Unit: "mg/dL", Reference: "<200", Category: "Lipid"},
	{Name: "HDL", Aliases: []string{"hdl", "hdl cholesterol"}, Unit: "mg/dL", Reference: ">40", Category: "Lipid"},
	{Name: "LDL", Aliases: []string{"ldl", "ldl cholesterol"}, Unit: "mg/dL", Reference: "<100", Category: "Lipid"},
	{Name: "Triglycerides", Aliases: []string{"triglycerides", "triglyceride"}, Unit: "mg/dL", Reference: "<150", Category: "Lipid"},
	{Name: "VLDL", Aliases: []string{"vldl"}, Unit: "mg/dL", Reference: "5-40", Category: "Lipid"},
	// Liver
	{Name: "SGOT", Aliases: []string{"sgot", "ast"}, Unit: "U/L", Reference: "10-40", Category: "Liver"},
	{Name: "SGPT", Aliases: []string{"sgpt", "alt"}, Unit: "U/L", Reference: "7-56", Category: "Liver"},
	{Name: "Alkaline Phosphatase", Aliases: []string{"alkaline phosphatase", "alp"}, Unit: "U/L", Reference: "44-147", Category: "Liver"},
	{Name: "Total Bilirubin", Aliases: []string{"total bilirubin", "bilirubin"}, Unit: "mg/dL", Reference: "0.1-1.2", Category: "Liver"},
	{Name: "Direct Bilirubin", Aliases: []string{"direct bilirubin"}, Unit: "mg/dL", Reference: "0.0-0.3", Category: "Liver"},
	{Name: "Albumin", Aliases: []string{"albumin"}, Unit: "g/dL", Reference: "3.5-5.5", Category: "Liver"},
	{Name: "Total Protein", Aliases: []string{"total protein"}, Unit: "g/dL", Reference: "6.0-8.3", Category: "Liver"},
	{Name: "GGT", Aliases: []string{"ggt"}, Unit: "U/L", Reference: "9-48", Category: "Liver"},
	// Thyroid
	{Name: "TSH", Aliases: []string{"tsh"}, Unit: "mIU/L", Reference: "0.4-4.0", Category: "Thyroid"},
	{Name: "T3", Aliases: []string{"t3", "total t3"}, Unit: "ng/dL", Reference: "80-200", Category: "Thyroid"},
	{Name: "T4", Aliases: []string{"t4", "total t4"}, Unit: "ug/dL", Reference: "5.0-12.0", Category: "Thyroid"},
	{Name: "Free T3", Aliases: []string{"free t3", "ft3"}, Unit: "pg/mL", Reference: "2.0-4.4", Category: "Thyroid"},
	{Name: "Free T4", Aliases: []string{"free t4", "ft4"}, Unit: "ng/dL", Reference: "0.8-1.8", Category: "Thyroid"},
	// Iron studies
	{Name: "Iron", Aliases: []string{"iron", "serum iron"}, Unit: "ug/dL", Reference: "60-170", Category: "Iron Studies"},
	{Name: "Ferritin", Aliases: []string{"ferritin"}, Unit: "ng/mL", Reference: "12-300", Category: "Iron Studies"},
	{Name: "TIBC", Aliases: []string{"tibc"}, Unit: "ug/dL", Reference: "250-370", Category: "Iron Studies"},
	// Vitamins
	{Name: "Vitamin D", Aliases: []string{"vitamin d", "25-oh vitamin d", "vit d"}, Unit: "ng/mL", Reference: "30-100", Category: "Vitamins"},
	{Name: "Vitamin B12", Aliases: []string{"vitamin b12", "vit b12", "b12"}, Unit: "pg/mL", Reference: "200-900", Category: "Vitamins"},
	{Name: "Folate", Aliases: []string{"folate", "folic acid"}, Unit: "ng/mL", Reference: "2.7-17.0", Category: "Vitamins"},
}

type aliasRef struct {
	alias string
	entry *CatalogEntry
}

var (
	catalogOnce    sync.Once
	catalogByAlias map[string]*CatalogEntry
	// aliases ordered longest first so "free t3" wins over "t3".
	catalogAliases []aliasRef
)

func loadCatalog() {
	catalogOnce.Do(func() {
		catalogByAlias = make(map[string]*CatalogEntry, len(catalog)*2)
		for i := range catalog {
			e := &catalog[i]
			catalogByAlias[NormalizeName(e.Name)] = e
			for _, a := range e.Aliases {
				key := NormalizeName(a)
				catalogByAlias[key] = e
				catalogAliases = append(catalogAliases, aliasRef{alias: key, entry: e})
			}
		}
		sort.SliceStable(catalogAliases, func(i, j int) bool {
			return len(catalogAliases[i].alias) > len(catalogAliases[j].alias)
		})
	})
}

// Lookup finds the catalog entry for a test name or alias.
func Lookup(name string) (CatalogEntry, bool) {
	loadCatalog()
	e, ok := catalogByAlias[NormalizeName(name)]
	if !ok {
		return CatalogEntry{}, false
	}
	return *e, true
}
