package settings

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // tenant zones must resolve without host zoneinfo

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rental-billing/internal/proration"
	"github.com/odyssey-erp/rental-billing/internal/rounding"
)

// InvoiceDateMode selects which instant becomes the invoice date.
type InvoiceDateMode string

const (
	InvoiceDateGeneration  InvoiceDateMode = "generation_date"
	InvoiceDatePeriodStart InvoiceDateMode = "period_start"
)

// DefaultPaymentTermsDays applies when a company has no terms configured.
const DefaultPaymentTermsDays = 30

// Settings are the per-company billing knobs. They are passed explicitly into
// every segmentation and proration call.
type Settings struct {
	CompanyID              int64                   `json:"company_id" validate:"required,gt=0"`
	TimeZone               string                  `json:"time_zone"`
	RoundingMode           rounding.Mode           `json:"rounding_mode" validate:"oneof=none ceil floor nearest"`
	RoundingGranularity    rounding.Granularity    `json:"rounding_granularity" validate:"oneof=unit hour day"`
	MonthlyProrationMethod proration.MonthlyMethod `json:"monthly_proration_method" validate:"oneof=hours days"`
	TaxEnabled             bool                    `json:"tax_enabled"`
	DefaultTaxRate         decimal.Decimal         `json:"default_tax_rate"`
	TaxInclusive           bool                    `json:"tax_inclusive"`
	InvoiceDateMode        InvoiceDateMode         `json:"invoice_date_mode" validate:"oneof=generation_date period_start"`
	PaymentTermsDays       int                     `json:"payment_terms_days" validate:"gte=0,lte=365"`
	MonthlyAutoRun         bool                    `json:"monthly_auto_run"`
	AutoApplyCredit        bool                    `json:"auto_apply_credit"`
	Currency               string                  `json:"currency" validate:"required,len=3,uppercase"`
}

// Defaults returns the settings used for companies without a stored row.
func Defaults(companyID int64) Settings {
	return Settings{
		CompanyID:              companyID,
		TimeZone:               "UTC",
		RoundingMode:           rounding.ModeCeil,
		RoundingGranularity:    rounding.GranularityUnit,
		MonthlyProrationMethod: proration.MethodHours,
		InvoiceDateMode:        InvoiceDateGeneration,
		PaymentTermsDays:       DefaultPaymentTermsDays,
		Currency:               "USD",
	}
}

// Normalize folds raw stored values onto the known enumerations.
func (s Settings) Normalize() Settings {
	s.RoundingMode = rounding.ParseMode(string(s.RoundingMode))
	s.RoundingGranularity = rounding.ParseGranularity(string(s.RoundingGranularity))
	s.MonthlyProrationMethod = proration.ParseMonthlyMethod(string(s.MonthlyProrationMethod))
	if s.InvoiceDateMode != InvoiceDatePeriodStart {
		s.InvoiceDateMode = InvoiceDateGeneration
	}
	s.TimeZone = strings.TrimSpace(s.TimeZone)
	s.Currency = strings.ToUpper(strings.TrimSpace(s.Currency))
	if s.Currency == "" {
		s.Currency = "USD"
	}
	return s
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ErrInvalidSettings wraps validation failures.
var ErrInvalidSettings = errors.New("settings: invalid")

// Validate checks field constraints and the tax rate range.
func (s Settings) Validate() error {
	if err := validatorInstance().Struct(s); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			names := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				names = append(names, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidSettings, strings.Join(names, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if s.DefaultTaxRate.IsNegative() || s.DefaultTaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: default_tax_rate must be within [0,1]", ErrInvalidSettings)
	}
	return nil
}

// Location resolves the tenant zone, falling back to UTC.
func (s Settings) Location() *time.Location {
	if s.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Policy returns the proration policy.
func (s Settings) Policy() proration.Policy {
	return proration.Policy{
		Mode:          s.RoundingMode,
		Granularity:   s.RoundingGranularity,
		MonthlyMethod: s.MonthlyProrationMethod,
	}
}

// PaymentTerms returns the due-date offset in days. Zero means due on receipt.
func (s Settings) PaymentTerms() int {
	if s.PaymentTermsDays < 0 {
		return 0
	}
	return s.PaymentTermsDays
}
