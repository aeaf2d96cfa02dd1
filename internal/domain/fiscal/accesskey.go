package fiscal

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// AccessKeyLength is the length of a complete access key
const AccessKeyLength = 44

const preKeyLength = AccessKeyLength - 1

// Emission type (tpEmis) for the normal online flow
const EmissionTypeNormal = "1"

// AccessKeyParams holds everything that is encoded into an access key
type AccessKeyParams struct {
	StateCode    string    // cUF, two-digit IBGE code
	IssuedAt     time.Time // contributes YYMM
	IssuerTaxID  string    // CNPJ, or CPF left-padded to 14
	Model        string    // mod, "55" for NF-e
	Series       int
	Number       int64
	EmissionType string // tpEmis
	RandomCode   string // cNF, eight digits
}

// AccessKey is the 44-digit identifier of a fiscal document
type AccessKey struct {
	PreKey     string
	CheckDigit int
}

// String returns the full 44-digit key
func (k AccessKey) String() string {
	return k.PreKey + strconv.Itoa(k.CheckDigit)
}

// IsZero reports whether the key is unset
func (k AccessKey) IsZero() bool {
	return k.PreKey == ""
}

// BuildAccessKey composes the 43-digit prefix from p and appends its check digit
func BuildAccessKey(p AccessKeyParams) (AccessKey, error) {
	if !isDigits(p.StateCode) || len(p.StateCode) != 2 {
		return AccessKey{}, NewValidationError("ide.cUF", "must be a two-digit state code")
	}
	if p.IssuedAt.IsZero() {
		return AccessKey{}, missing("ide.dhEmi")
	}
	taxID := onlyDigits(p.IssuerTaxID)
	if len(taxID) != 11 && len(taxID) != 14 {
		return AccessKey{}, NewValidationError("emit.CNPJ", "must have 11 or 14 digits")
	}
	if !isDigits(p.Model) || len(p.Model) != 2 {
		return AccessKey{}, NewValidationError("ide.mod", "must be a two-digit model code")
	}
	if p.Series < 0 || p.Series > 999 {
		return AccessKey{}, NewValidationError("ide.serie", "must be between 0 and 999")
	}
	if p.Number < 1 || p.Number > 999999999 {
		return AccessKey{}, NewValidationError("ide.nNF", "must be between 1 and 999999999")
	}
	if !isDigits(p.EmissionType) || len(p.EmissionType) != 1 {
		return AccessKey{}, NewValidationError("ide.tpEmis", "must be a single digit")
	}
	if !isDigits(p.RandomCode) || len(p.RandomCode) != 8 {
		return AccessKey{}, NewValidationError("ide.cNF", "must have eight digits")
	}

	var b strings.Builder
	b.Grow(preKeyLength)
	b.WriteString(p.StateCode)
	b.WriteString(p.IssuedAt.Format("0601"))
	b.WriteString(fmt.Sprintf("%014s", taxID))
	b.WriteString(p.Model)
	b.WriteString(fmt.Sprintf("%03d", p.Series))
	b.WriteString(fmt.Sprintf("%09d", p.Number))
	b.WriteString(p.EmissionType)
	b.WriteString(p.RandomCode)

	preKey := b.String()
	dv, err := CheckDigit(preKey)
	if err != nil {
		return AccessKey{}, err
	}
	return AccessKey{PreKey: preKey, CheckDigit: dv}, nil
}

// CheckDigit computes the modulo-11 digit of a 43-digit pre-key. Weights
// cycle 2..9 starting from the rightmost digit; remainders that would give
// 10 or 11 yield 0.
func CheckDigit(preKey string) (int, error) {
	if len(preKey) != preKeyLength || !isDigits(preKey) {
		return 0, NewValidationError("chNFe", "pre-key must have 43 digits")
	}
	sum, weight := 0, 2
	for i := len(preKey) - 1; i >= 0; i-- {
		sum += int(preKey[i]-'0') * weight
		weight++
		if weight > 9 {
			weight = 2
		}
	}
	dv := 11 - sum%11
	if dv >= 10 {
		dv = 0
	}
	return dv, nil
}

// ParseAccessKey validates a 44-digit key including its check digit
func ParseAccessKey(s string) (AccessKey, error) {
	s = strings.TrimSpace(s)
	if len(s) != AccessKeyLength || !isDigits(s) {
		return AccessKey{}, NewValidationError("chNFe", "must have 44 digits")
	}
	dv, err := CheckDigit(s[:preKeyLength])
	if err != nil {
		return AccessKey{}, err
	}
	if int(s[preKeyLength]-'0') != dv {
		return AccessKey{}, NewValidationError("chNFe", "check digit mismatch")
	}
	return AccessKey{PreKey: s[:preKeyLength], CheckDigit: dv}, nil
}

// NewRandomCode draws an eight-digit cNF. The code is never equal to the
// document number padded to eight digits, which the authority refuses.
func NewRandomCode(number int64) (string, error) {
	avoid := fmt.Sprintf("%08d", number%100000000)
	limit := big.NewInt(100000000)
	for {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to draw random code: %w", err)
		}
		code := fmt.Sprintf("%08d", n.Int64())
		if code != avoid {
			return code, nil
		}
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func onlyDigits(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
