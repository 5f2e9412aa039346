package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goodtune/kbudget/internal/storage"
)

// RangeRequest is a scheduled block range in a rules request
type RangeRequest struct {
	Start int    `json:"start" validate:"min=0,max=1439"`
	End   int    `json:"end" validate:"min=0,max=1440"`
	Days  []bool `json:"days" validate:"omitempty,len=7"`
}

// RulesRequest replaces the configuration of a site or the Global Budget
type RulesRequest struct {
	TimeAllowed          *storage.Allowance `json:"timeAllowed" validate:"required,allowance"`
	BlockIncognito       bool               `json:"blockIncognito"`
	RedirectURL          string             `json:"redirectUrl" validate:"max=2048"`
	ScheduledBlockRanges []RangeRequest     `json:"scheduledBlockRanges" validate:"max=64,dive"`
	AllowedPaths         []string           `json:"allowedPaths" validate:"max=256,dive,max=2048"`
}

// Rules converts the request into normalized budget rules
func (req RulesRequest) Rules() storage.BudgetRules {
	rules := storage.BudgetRules{
		TimeAllowed:          *req.TimeAllowed,
		BlockIncognito:       req.BlockIncognito,
		RedirectURL:          strings.TrimSpace(req.RedirectURL),
		ScheduledBlockRanges: make([]storage.ScheduledBlockRange, 0, len(req.ScheduledBlockRanges)),
		AllowedPaths:         req.AllowedPaths,
	}
	for _, r := range req.ScheduledBlockRanges {
		rules.ScheduledBlockRanges = append(rules.ScheduledBlockRanges, storage.ScheduledBlockRange{
			Start: r.Start,
			End:   r.End,
			Days:  r.Days,
		})
	}
	rules.Normalize()
	return rules
}

// WebsiteRequest adds a site to the Global Budget
type WebsiteRequest struct {
	Website string `json:"website" validate:"required,max=253"`
}

// newValidator returns a validator that knows the allowance rule: every
// weekday is -1 (unrestricted) or a non-negative number of seconds.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("allowance", func(fl validator.FieldLevel) bool {
		var a storage.Allowance
		switch value := fl.Field().Interface().(type) {
		case storage.Allowance:
			a = value
		case *storage.Allowance:
			if value == nil {
				return false
			}
			a = *value
		default:
			return false
		}
		for _, seconds := range a {
			if seconds < storage.Unrestricted {
				return false
			}
		}
		return true
	})
	return v
}

// decodeAndValidate reads a JSON body into dst and validates it
func decodeAndValidate(r *http.Request, v *validator.Validate, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := v.Struct(dst); err != nil {
		return err
	}
	return nil
}
