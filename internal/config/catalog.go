package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Catalog is the read-only plan data: monthly feature allowances and the
// rollover policy of each plan.
type Catalog struct {
	Plans []Plan `mapstructure:"plans"`
}

type Plan struct {
	Code     string         `mapstructure:"code"`
	Features []FeatureQuota `mapstructure:"features"`
	Rollover RolloverPolicy `mapstructure:"rollover"`
}

type FeatureQuota struct {
	Key              string `mapstructure:"key"`
	MonthlyAllowance int64  `mapstructure:"monthlyAllowance"`
}

// RolloverPolicy bounds how long unused allowance survives. WindowMonths == 0
// disables rollover; MaxCredits == 0 means no cap on carried credits.
type RolloverPolicy struct {
	WindowMonths int   `mapstructure:"windowMonths"`
	MaxCredits   int64 `mapstructure:"maxCredits"`
}

func DefaultCatalog() Catalog {
	return Catalog{
		Plans: []Plan{
			{
				Code: "free",
				Features: []FeatureQuota{
					{Key: "assessments", MonthlyAllowance: 5},
					{Key: "resources", MonthlyAllowance: 10},
				},
			},
			{
				Code: "pro",
				Features: []FeatureQuota{
					{Key: "assessments", MonthlyAllowance: 50},
					{Key: "resources", MonthlyAllowance: 200},
					{Key: "enrollments", MonthlyAllowance: 25},
				},
				Rollover: RolloverPolicy{WindowMonths: 3, MaxCredits: 150},
			},
		},
	}
}

// Plan returns the plan with the given code.
func (c Catalog) Plan(code string) (Plan, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, plan := range c.Plans {
		if strings.ToLower(plan.Code) == code {
			return plan, true
		}
	}
	return Plan{}, false
}

// Allowance returns the monthly allowance of a feature on a plan.
func (c Catalog) Allowance(planCode, featureKey string) (int64, bool) {
	plan, ok := c.Plan(planCode)
	if !ok {
		return 0, false
	}
	for _, feature := range plan.Features {
		if strings.EqualFold(feature.Key, strings.TrimSpace(featureKey)) {
			return feature.MonthlyAllowance, true
		}
	}
	return 0, false
}

type CatalogHolder struct {
	current atomic.Value // holds Catalog
}

// NewStaticCatalogHolder wraps a fixed catalog, mainly for tests and tools.
func NewStaticCatalogHolder(cat Catalog) (*CatalogHolder, error) {
	if err := validateCatalog(cat); err != nil {
		return nil, err
	}
	holder := &CatalogHolder{}
	holder.current.Store(cat)
	return holder, nil
}

func NewCatalogHolder(cfg Config) (*CatalogHolder, error) {
	v := viper.New()

	if cfg.CatalogPath != "" {
		v.SetConfigFile(cfg.CatalogPath)
	} else {
		v.SetConfigName("plans")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/creditledger")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fromFile := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fromFile = false
	}

	cat := DefaultCatalog()
	if fromFile {
		cat = Catalog{}
		if err := v.Unmarshal(&cat); err != nil {
			return nil, err
		}
	}
	if err := validateCatalog(cat); err != nil {
		return nil, err
	}

	holder := &CatalogHolder{}
	holder.current.Store(cat)

	if fromFile {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated Catalog
			if err := v.Unmarshal(&updated); err != nil {
				log.Printf("[plan-catalog] reload failed: %v", err)
				return
			}
			if err := validateCatalog(updated); err != nil {
				log.Printf("[plan-catalog] invalid catalog ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[plan-catalog] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

func (h *CatalogHolder) Get() Catalog {
	return h.current.Load().(Catalog)
}

func validateCatalog(cat Catalog) error {
	if len(cat.Plans) == 0 {
		return errors.New("plans cannot be empty")
	}
	seen := map[string]struct{}{}
	for _, plan := range cat.Plans {
		code := strings.ToLower(strings.TrimSpace(plan.Code))
		if code == "" {
			return errors.New("plan code cannot be empty")
		}
		if _, dup := seen[code]; dup {
			return fmt.Errorf("duplicate plan %q", plan.Code)
		}
		seen[code] = struct{}{}
		if plan.Rollover.WindowMonths < 0 || plan.Rollover.MaxCredits < 0 {
			return fmt.Errorf("plan %q: rollover policy cannot be negative", plan.Code)
		}
		for _, feature := range plan.Features {
			if strings.TrimSpace(feature.Key) == "" {
				return fmt.Errorf("plan %q: feature key cannot be empty", plan.Code)
			}
			if feature.MonthlyAllowance < 0 {
				return fmt.Errorf("plan %q: allowance for %q cannot be negative", plan.Code, feature.Key)
			}
		}
	}
	return nil
}
