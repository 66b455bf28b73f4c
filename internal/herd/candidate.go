package herd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidCandidate marks candidates that can never be admitted, no
// matter how often they are retried.
var ErrInvalidCandidate = errors.New("invalid candidate")

// Candidate is a fully resolved herd applicant: a zap sender whose profile,
// lightning address and relay hints have already been looked up. The engine
// only decides and persists; it never talks to relays.
type Candidate struct {
	PubKey      string   `validate:"required,len=64,hexadecimal"`
	DisplayName string   `validate:"required"`
	Lud16       string   `validate:"required,lud16"`
	Nprofile    string   `validate:"required,startswith=nprofile1"`
	EventID     string   `validate:"required,len=64,hexadecimal"`
	Note        string   `validate:"omitempty,len=64,hexadecimal"`
	Kinds       []int    `validate:"min=1"`
	AmountSats  int64    `validate:"min=0"`
	Picture     *string  `validate:"-"`
	Relays      []string `validate:"dive,startswith=ws"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	// lud16 is an email-shaped lightning address: local@domain with a
	// dotted domain. The stock email rule accepts bare hosts, which
	// LNURL services reject.
	_ = v.RegisterValidation("lud16", func(fl validator.FieldLevel) bool {
		return validLud16(fl.Field().String())
	})
	return v
}

func validLud16(addr string) bool {
	local, domain, ok := strings.Cut(addr, "@")
	if !ok || local == "" || domain == "" {
		return false
	}
	if strings.ContainsAny(domain, " @") {
		return false
	}
	host, tld, ok := strings.Cut(domain, ".")
	if !ok || host == "" {
		return false
	}
	return len(tld) > 0 && !strings.HasSuffix(domain, ".")
}

func (e *Engine) validateCandidate(c *Candidate) error {
	if c == nil {
		return ErrInvalidCandidate
	}
	if err := e.validate.Struct(c); err != nil {
		return fmt.Errorf("%w %.16s: %v", ErrInvalidCandidate, c.PubKey, err)
	}
	return nil
}
