package nfexml

import (
	"github.com/beevik/etree"
	"github.com/erp/fiscal/internal/domain/fiscal"
)

// icmsGroupName returns the ICMS child element for a situation code
func icmsGroupName(icms fiscal.ICMS) string {
	if icms.CSOSN != "" {
		switch icms.CSOSN {
		case "101":
			return "ICMSSN101"
		case "102", "103", "300", "400":
			return "ICMSSN102"
		case "500":
			return "ICMSSN500"
		default:
			return "ICMSSN900"
		}
	}
	switch icms.CST {
	case "40", "41", "50":
		return "ICMS40"
	case "00", "20", "51", "60":
		return "ICMS" + icms.CST
	default:
		return "ICMS90"
	}
}

func (w *writer) icms(parent *etree.Element, icms fiscal.ICMS) {
	name := icmsGroupName(icms)
	el := parent.CreateElement(name)
	w.required(el, "imposto.ICMS", "orig", icms.Origin)
	if icms.CSOSN != "" {
		w.text(el, "CSOSN", icms.CSOSN)
	} else {
		w.required(el, "imposto.ICMS", "CST", icms.CST)
	}

	switch name {
	case "ICMS00":
		w.text(el, "modBC", icms.BaseModality)
		w.text(el, "vBC", money(icms.Base))
		w.text(el, "pICMS", rate(icms.Rate))
		w.text(el, "vICMS", money(icms.Value))
	case "ICMS20":
		w.text(el, "modBC", icms.BaseModality)
		w.text(el, "pRedBC", rate(icms.BaseReduction))
		w.text(el, "vBC", money(icms.Base))
		w.text(el, "pICMS", rate(icms.Rate))
		w.text(el, "vICMS", money(icms.Value))
	case "ICMS51":
		w.optional(el, "modBC", icms.BaseModality)
		if icms.BaseReduction.IsPositive() {
			w.text(el, "pRedBC", rate(icms.BaseReduction))
		}
		w.text(el, "vBC", money(icms.Base))
		w.text(el, "pICMS", rate(icms.Rate))
		w.text(el, "vICMS", money(icms.Value))
	case "ICMS90", "ICMSSN900":
		if icms.BaseModality == "" {
			return
		}
		w.text(el, "modBC", icms.BaseModality)
		w.text(el, "vBC", money(icms.Base))
		if icms.BaseReduction.IsPositive() {
			w.text(el, "pRedBC", rate(icms.BaseReduction))
		}
		w.text(el, "pICMS", rate(icms.Rate))
		w.text(el, "vICMS", money(icms.Value))
	case "ICMSSN101":
		w.text(el, "pCredSN", rate(icms.SNCreditRate))
		w.text(el, "vCredICMSSN", money(icms.SNCreditValue))
	}
}

// contributionGroup returns the PIS/COFINS child suffix for a CST
func contributionGroup(cst string) string {
	switch cst {
	case "01", "02":
		return "Aliq"
	case "04", "05", "06", "07", "08", "09":
		return "NT"
	default:
		return "Outr"
	}
}

func (w *writer) contribution(parent *etree.Element, tax string, c fiscal.Contribution) {
	group := contributionGroup(c.CST)
	el := parent.CreateElement(tax + group)
	w.required(el, "imposto."+tax, "CST", c.CST)
	if group == "NT" {
		return
	}
	w.text(el, "vBC", money(c.Base))
	w.text(el, "p"+tax, rate(c.Rate))
	w.text(el, "v"+tax, money(c.Value))
}
