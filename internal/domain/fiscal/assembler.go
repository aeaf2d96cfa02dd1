package fiscal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Fixed ide values for outgoing sales invoices
const (
	operationTypeOutgoing = "1"
	printFormatPortrait   = "1"
	purposeNormal         = "1"
	presenceInPerson      = "1"
	defaultBaseModality   = "3"
	defaultFreightMode    = "9"
	noGTIN                = "SEM GTIN"
)

var (
	hundred = decimal.NewFromInt(100)

	normalICMS     = stringSet("00", "20", "40", "41", "50", "51", "60", "90")
	normalTaxedCST = stringSet("00", "20", "51", "90")
	simplifiedICMS = stringSet("101", "102", "103", "300", "400", "500", "900")
)

// AssemblerConfig holds the settings that shape every draft
type AssemblerConfig struct {
	// Location is the authority's civil time zone, used for date comparisons
	Location       *time.Location
	ProcessVersion string
	Benefits       *BenefitTable
}

// Assembler builds document drafts from source records
type Assembler struct {
	location       *time.Location
	processVersion string
	benefits       *BenefitTable
}

// NewAssembler creates an assembler. A nil location means UTC and a nil
// benefit table means DefaultBenefitTable.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	benefits := cfg.Benefits
	if benefits == nil {
		benefits = DefaultBenefitTable()
	}
	version := cfg.ProcessVersion
	if version == "" {
		version = "fiscal-1.0"
	}
	return &Assembler{location: loc, processVersion: version, benefits: benefits}
}

// AssembleParams are the numbering values reserved for the draft
type AssembleParams struct {
	Series      int
	Number      int64
	RandomCode  string
	Environment Environment
	IssuedAt    time.Time
}

// Assemble builds a complete draft, including its access key. Any missing
// required field yields a ValidationError naming the field.
func (a *Assembler) Assemble(src *EmissionSource, p AssembleParams) (*Draft, error) {
	if src == nil {
		return nil, missing("source")
	}
	company, customer, order := src.Company, src.Customer, src.Order

	issuer, err := a.buildIssuer(company)
	if err != nil {
		return nil, err
	}
	recipient, err := buildRecipient(customer)
	if err != nil {
		return nil, err
	}

	stateCode, ok := StateCode(issuer.Address.State)
	if !ok {
		return nil, NewValidationError("emit.enderEmit.UF", "unknown state")
	}

	municipality := strings.TrimSpace(company.FiscalMunicipalityCode)
	if addrCode := issuer.Address.MunicipalityCode; addrCode != "" && addrCode != municipality {
		municipality = addrCode
	}

	scope := DestinationInterstate
	if normalizeState(issuer.Address.State) == normalizeState(recipient.Address.State) {
		scope = DestinationInternal
	}

	if len(order.Items) == 0 {
		return nil, missing("det")
	}
	discounts := distribute(order.Discount, order.Items)
	freights := distribute(order.Freight, order.Items)

	items := make([]Item, 0, len(order.Items))
	for i, oi := range order.Items {
		item, err := a.buildItem(i+1, oi, company, scope, discounts[i], freights[i])
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	totals := sumTotals(items)
	emissionDate := p.IssuedAt.In(a.location)

	key, err := BuildAccessKey(AccessKeyParams{
		StateCode:    stateCode,
		IssuedAt:     emissionDate,
		IssuerTaxID:  issuer.TaxID,
		Model:        ModelNFe,
		Series:       p.Series,
		Number:       p.Number,
		EmissionType: EmissionTypeNormal,
		RandomCode:   p.RandomCode,
	})
	if err != nil {
		return nil, err
	}

	operationNature := strings.TrimSpace(order.OperationNature)
	if operationNature == "" {
		operationNature = "VENDA DE MERCADORIA"
	}
	presence := order.Presence
	if presence == "" {
		presence = presenceInPerson
	}
	freightMode := order.FreightMode
	if freightMode == "" {
		freightMode = defaultFreightMode
	}

	draft := &Draft{
		AccessKey: key,
		Ide: Identification{
			StateCode:        stateCode,
			RandomCode:       p.RandomCode,
			OperationNature:  operationNature,
			Model:            ModelNFe,
			Series:           p.Series,
			Number:           p.Number,
			IssuedAt:         emissionDate,
			OperationType:    operationTypeOutgoing,
			DestinationScope: scope,
			MunicipalityCode: municipality,
			PrintFormat:      printFormatPortrait,
			EmissionType:     EmissionTypeNormal,
			CheckDigit:       key.CheckDigit,
			Environment:      p.Environment,
			Purpose:          purposeNormal,
			FinalConsumer:    order.FinalConsumer,
			Presence:         presence,
			ProcessVersion:   a.processVersion,
		},
		Issuer:         issuer,
		Recipient:      recipient,
		Items:          items,
		Totals:         totals,
		Transport:      Transport{FreightMode: freightMode},
		Payments:       BuildPayments(order.Payments, totals.Document),
		AdditionalInfo: strings.TrimSpace(order.AdditionalInfo),
	}
	draft.Billing = buildBilling(order, p.Number, emissionDate,
		totals.Products.Add(totals.Freight), totals.Discount, totals.Document)

	return draft, nil
}

// selectIssuerAddress ranks the company's addresses: primary in the
// principal state, any in that state, any primary, then the first one.
func selectIssuerAddress(company Company) (Address, string, bool) {
	principal := normalizeState(company.PrincipalState)
	find := func(match func(Address) bool) func() (Address, bool) {
		return func() (Address, bool) {
			for _, addr := range company.Addresses {
				if match(addr) {
					return addr, true
				}
			}
			return Address{}, false
		}
	}
	inState := func(addr Address) bool { return principal != "" && normalizeState(addr.State) == principal }

	return Resolve(
		Candidate[Address]{Name: "primary-in-state", Pick: find(func(a Address) bool { return a.Primary && inState(a) })},
		Candidate[Address]{Name: "in-state", Pick: find(inState)},
		Candidate[Address]{Name: "primary", Pick: find(func(a Address) bool { return a.Primary })},
		Candidate[Address]{Name: "first", Pick: find(func(Address) bool { return true })},
	)
}

func (a *Assembler) buildIssuer(company Company) (Issuer, error) {
	taxID := onlyDigits(company.TaxID)
	if len(taxID) != 14 {
		return Issuer{}, NewValidationError("emit.CNPJ", "must have 14 digits")
	}
	if strings.TrimSpace(company.LegalName) == "" {
		return Issuer{}, missing("emit.xNome")
	}
	if strings.TrimSpace(company.StateRegistration) == "" {
		return Issuer{}, missing("emit.IE")
	}
	if !company.TaxRegime.IsValid() {
		return Issuer{}, NewValidationError("emit.CRT", "unknown tax regime")
	}
	addr, _, ok := selectIssuerAddress(company)
	if !ok {
		return Issuer{}, missing("emit.enderEmit")
	}
	if err := validateAddress("emit.enderEmit", addr); err != nil {
		return Issuer{}, err
	}
	return Issuer{
		TaxID:             taxID,
		Name:              strings.TrimSpace(company.LegalName),
		TradeName:         strings.TrimSpace(company.TradeName),
		Address:           addr,
		StateRegistration: onlyDigitsOrISENTO(company.StateRegistration),
		TaxRegime:         company.TaxRegime,
	}, nil
}

func buildRecipient(customer Customer) (Recipient, error) {
	taxID := onlyDigits(customer.TaxID)
	if len(taxID) != 11 && len(taxID) != 14 {
		return Recipient{}, NewValidationError("dest.CNPJ", "must have 11 or 14 digits")
	}
	if strings.TrimSpace(customer.Name) == "" {
		return Recipient{}, missing("dest.xNome")
	}
	if err := validateAddress("dest.enderDest", customer.Address); err != nil {
		return Recipient{}, err
	}

	ie := strings.TrimSpace(customer.StateRegistration)
	indicator := customer.IEIndicator
	if indicator == "" {
		indicator = "9"
		if ie != "" && !strings.EqualFold(ie, "ISENTO") {
			indicator = "1"
		}
	}
	if indicator == "1" && ie == "" {
		return Recipient{}, missing("dest.IE")
	}
	if indicator != "1" {
		ie = ""
	}
	return Recipient{
		TaxID:             taxID,
		Name:              strings.TrimSpace(customer.Name),
		Address:           customer.Address,
		IEIndicator:       indicator,
		StateRegistration: onlyDigits(ie),
		Email:             strings.TrimSpace(customer.Email),
	}, nil
}

func validateAddress(prefix string, addr Address) error {
	required := []struct {
		field string
		value string
	}{
		{"xLgr", addr.Street},
		{"nro", addr.Number},
		{"xBairro", addr.District},
		{"cMun", addr.MunicipalityCode},
		{"xMun", addr.MunicipalityName},
		{"UF", addr.State},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return missing(prefix + "." + r.field)
		}
	}
	if len(addr.MunicipalityCode) != 7 || !isDigits(addr.MunicipalityCode) {
		return NewValidationError(prefix+".cMun", "must have 7 digits")
	}
	if _, ok := StateCode(addr.State); !ok {
		return NewValidationError(prefix+".UF", "unknown state")
	}
	if zip := onlyDigits(addr.ZipCode); addr.ZipCode != "" && len(zip) != 8 {
		return NewValidationError(prefix+".CEP", "must have 8 digits")
	}
	return nil
}

type unitConversion struct {
	Unit   string
	Factor decimal.Decimal
}

// resolveUnit picks the commercial unit and its factor to the taxable unit:
// the sale snapshot, then the product packaging, then the product unit 1:1.
func resolveUnit(item OrderItem) (unitConversion, string, bool) {
	return Resolve(
		Candidate[unitConversion]{Name: "sale-unit", Pick: func() (unitConversion, bool) {
			s := item.SaleUnit
			if s == nil || strings.TrimSpace(s.Unit) == "" || !s.Factor.IsPositive() {
				return unitConversion{}, false
			}
			return unitConversion{Unit: strings.TrimSpace(s.Unit), Factor: s.Factor}, true
		}},
		Candidate[unitConversion]{Name: "packaging", Pick: func() (unitConversion, bool) {
			p := item.Packaging
			if p == nil || strings.TrimSpace(p.TypeCode) == "" || !p.BaseQuantity.IsPositive() {
				return unitConversion{}, false
			}
			return unitConversion{Unit: strings.TrimSpace(p.TypeCode), Factor: p.BaseQuantity}, true
		}},
		Candidate[unitConversion]{Name: "product-unit", Pick: func() (unitConversion, bool) {
			if strings.TrimSpace(item.ProductUnit) == "" {
				return unitConversion{}, false
			}
			return unitConversion{Unit: strings.TrimSpace(item.ProductUnit), Factor: decimal.NewFromInt(1)}, true
		}},
	)
}

func (a *Assembler) buildItem(n int, oi OrderItem, company Company, scope string, orderDiscount, freight decimal.Decimal) (Item, error) {
	field := func(name string) string { return fmt.Sprintf("det[%d].%s", n, name) }

	if strings.TrimSpace(oi.Code) == "" {
		return Item{}, missing(field("prod.cProd"))
	}
	if strings.TrimSpace(oi.Description) == "" {
		return Item{}, missing(field("prod.xProd"))
	}
	ncm := onlyDigits(oi.NCM)
	if len(ncm) != 8 {
		return Item{}, NewValidationError(field("prod.NCM"), "must have 8 digits")
	}
	if !oi.Quantity.IsPositive() {
		return Item{}, NewValidationError(field("prod.qCom"), "must be positive")
	}
	if oi.UnitPrice.IsNegative() {
		return Item{}, NewValidationError(field("prod.vUnCom"), "cannot be negative")
	}

	cfop := oi.Tax.CFOPInternal
	if scope == DestinationInterstate {
		cfop = oi.Tax.CFOPInterstate
	}
	cfop = onlyDigits(cfop)
	if len(cfop) != 4 {
		return Item{}, NewValidationError(field("prod.CFOP"), "must have 4 digits for the destination scope")
	}

	conv, _, ok := resolveUnit(oi)
	if !ok {
		return Item{}, missing(field("prod.uCom"))
	}
	taxableUnit := strings.TrimSpace(oi.ProductUnit)
	if taxableUnit == "" {
		return Item{}, missing(field("prod.uTrib"))
	}

	gross := oi.Quantity.Mul(oi.UnitPrice).Round(2)
	discount := oi.Discount.Add(orderDiscount).Round(2)
	if discount.GreaterThan(gross) {
		return Item{}, NewValidationError(field("prod.vDesc"), "exceeds the item value")
	}

	gtin := strings.TrimSpace(oi.GTIN)
	if gtin == "" {
		gtin = noGTIN
	}

	taxes, situation, err := buildTaxes(field, oi.Tax, company.TaxRegime, gross.Sub(discount).Add(freight), gross)
	if err != nil {
		return Item{}, err
	}
	benefitState := company.PrincipalState
	if benefitState == "" {
		if addr, _, ok := selectIssuerAddress(company); ok {
			benefitState = addr.State
		}
	}
	benefit, err := a.benefits.Resolve(benefitState, situation, oi.Tax.BenefitCode)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return Item{}, NewValidationError(field(ve.Field), ve.Reason)
		}
		return Item{}, err
	}

	return Item{
		Number:              n,
		Code:                strings.TrimSpace(oi.Code),
		GTIN:                gtin,
		Description:         strings.TrimSpace(oi.Description),
		NCM:                 ncm,
		CEST:                onlyDigits(oi.CEST),
		BenefitCode:         benefit,
		CFOP:                cfop,
		CommercialUnit:      conv.Unit,
		CommercialQuantity:  oi.Quantity.Round(4),
		CommercialUnitPrice: oi.UnitPrice.Round(10),
		GrossValue:          gross,
		TaxableGTIN:         gtin,
		TaxableUnit:         taxableUnit,
		TaxableQuantity:     oi.Quantity.Mul(conv.Factor).Round(4),
		TaxableUnitPrice:    oi.UnitPrice.DivRound(conv.Factor, 10),
		Discount:            discount,
		Freight:             freight,
		Taxes:               taxes,
	}, nil
}

// buildTaxes fills the tax groups for the issuer's regime and returns the tax
// situation code that was used
func buildTaxes(field func(string) string, in TaxInput, regime TaxRegime, base, gross decimal.Decimal) (ItemTaxes, string, error) {
	origin := strings.TrimSpace(in.Origin)
	if origin == "" {
		origin = "0"
	}
	icms := ICMS{Origin: origin}
	var situation string

	if regime.IsSimplified() {
		csosn := strings.TrimSpace(in.CSOSN)
		if csosn == "" {
			return ItemTaxes{}, "", missing(field("imposto.ICMS.CSOSN"))
		}
		if !simplifiedICMS[csosn] {
			return ItemTaxes{}, "", NewValidationError(field("imposto.ICMS.CSOSN"), "unsupported code "+csosn)
		}
		icms.CSOSN = csosn
		situation = csosn
		switch csosn {
		case "101":
			icms.SNCreditRate = in.SNCreditRate.Round(2)
			icms.SNCreditValue = gross.Mul(in.SNCreditRate).Div(hundred).Round(2)
		case "900":
			applyICMSBase(&icms, in, base)
		}
	} else {
		cst := strings.TrimSpace(in.CST)
		if cst == "" {
			return ItemTaxes{}, "", missing(field("imposto.ICMS.CST"))
		}
		if !normalICMS[cst] {
			return ItemTaxes{}, "", NewValidationError(field("imposto.ICMS.CST"), "unsupported code "+cst)
		}
		icms.CST = cst
		situation = cst
		if normalTaxedCST[cst] {
			applyICMSBase(&icms, in, base)
		}
	}

	pis, err := buildContribution(field("imposto.PIS.CST"), in.PISCST, in.PISRate, base)
	if err != nil {
		return ItemTaxes{}, "", err
	}
	cofins, err := buildContribution(field("imposto.COFINS.CST"), in.COFINSCST, in.COFINSRate, base)
	if err != nil {
		return ItemTaxes{}, "", err
	}
	return ItemTaxes{ICMS: icms, PIS: pis, COFINS: cofins}, situation, nil
}

func applyICMSBase(icms *ICMS, in TaxInput, base decimal.Decimal) {
	icms.BaseModality = strings.TrimSpace(in.BaseModality)
	if icms.BaseModality == "" {
		icms.BaseModality = defaultBaseModality
	}
	if in.BaseReduction.IsPositive() {
		icms.BaseReduction = in.BaseReduction.Round(4)
		base = base.Mul(hundred.Sub(in.BaseReduction)).Div(hundred)
	}
	icms.Base = base.Round(2)
	icms.Rate = in.ICMSRate.Round(4)
	icms.Value = icms.Base.Mul(in.ICMSRate).Div(hundred).Round(2)
}

func buildContribution(field, cst string, rate, base decimal.Decimal) (Contribution, error) {
	cst = strings.TrimSpace(cst)
	if len(cst) != 2 || !isDigits(cst) {
		return Contribution{}, NewValidationError(field, "must have 2 digits")
	}
	c := Contribution{CST: cst}
	if rate.IsPositive() {
		c.Base = base.Round(2)
		c.Rate = rate.Round(4)
		c.Value = c.Base.Mul(rate).Div(hundred).Round(2)
	}
	return c, nil
}

func sumTotals(items []Item) Totals {
	var t Totals
	for _, it := range items {
		t.Products = t.Products.Add(it.GrossValue)
		t.Discount = t.Discount.Add(it.Discount)
		t.Freight = t.Freight.Add(it.Freight)
		t.ICMSBase = t.ICMSBase.Add(it.Taxes.ICMS.Base)
		t.ICMS = t.ICMS.Add(it.Taxes.ICMS.Value)
		t.PIS = t.PIS.Add(it.Taxes.PIS.Value)
		t.COFINS = t.COFINS.Add(it.Taxes.COFINS.Value)
	}
	t.Document = t.Products.Sub(t.Discount).Add(t.Freight)
	return t
}

// distribute splits an order-level amount across items in proportion to
// their gross value; the last item absorbs the rounding remainder
func distribute(amount decimal.Decimal, items []OrderItem) []decimal.Decimal {
	out := make([]decimal.Decimal, len(items))
	for i := range out {
		out[i] = decimal.Zero
	}
	amount = amount.Round(2)
	if !amount.IsPositive() || len(items) == 0 {
		return out
	}
	var total decimal.Decimal
	gross := make([]decimal.Decimal, len(items))
	for i, it := range items {
		gross[i] = it.Quantity.Mul(it.UnitPrice).Round(2)
		total = total.Add(gross[i])
	}
	if !total.IsPositive() {
		out[len(out)-1] = amount
		return out
	}
	allocated := decimal.Zero
	for i := range items {
		if i == len(items)-1 {
			out[i] = amount.Sub(allocated)
			break
		}
		share := amount.Mul(gross[i]).Div(total).Round(2)
		out[i] = share
		allocated = allocated.Add(share)
	}
	return out
}

func onlyDigitsOrISENTO(ie string) string {
	if strings.EqualFold(strings.TrimSpace(ie), "ISENTO") {
		return "ISENTO"
	}
	return onlyDigits(ie)
}

func stringSet(values ...string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}
