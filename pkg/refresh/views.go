package refresh

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed views.yaml
var defaultViews []byte

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ViewDescriptor is one materialized view and what it derives from.
type ViewDescriptor struct {
	Name            string        `yaml:"name" json:"name" validate:"required,sqlident"`
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refreshInterval" validate:"gt=0"`
	Priority        int           `yaml:"priority" json:"priority" validate:"min=1,max=10"`
	Dependencies    []string      `yaml:"dependencies" json:"dependencies" validate:"dive,required"`
}

// DependsOn reports whether table is one of the view's sources.
func (v ViewDescriptor) DependsOn(table string) bool {
	for _, dep := range v.Dependencies {
		if dep == table {
			return true
		}
	}
	return false
}

// Table is the static, validated set of views.
type Table struct {
	views  []ViewDescriptor
	byName map[string]ViewDescriptor
}

type tableFile struct {
	Views []ViewDescriptor `yaml:"views" validate:"required,min=1,unique=Name,dive"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("sqlident", func(fl validator.FieldLevel) bool {
		return identifierPattern.MatchString(fl.Field().String())
	})
	return v
}

// ParseTable decodes and validates a YAML view table.
func ParseTable(raw []byte) (*Table, error) {
	var file tableFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse view table: %w", err)
	}
	return NewTable(file.Views)
}

// NewTable validates views: names are unique SQL identifiers, priority is
// 1..10 and intervals are positive.
func NewTable(views []ViewDescriptor) (*Table, error) {
	if err := validate.Struct(tableFile{Views: views}); err != nil {
		return nil, fmt.Errorf("invalid view table: %w", err)
	}

	t := &Table{
		views:  make([]ViewDescriptor, len(views)),
		byName: make(map[string]ViewDescriptor, len(views)),
	}
	copy(t.views, views)
	sortByPriority(t.views)
	for _, v := range t.views {
		t.byName[v.Name] = v
	}
	return t, nil
}

// DefaultTable returns the embedded view table.
func DefaultTable() *Table {
	t, err := ParseTable(defaultViews)
	if err != nil {
		panic(err)
	}
	return t
}

// Views returns all views, highest priority first.
func (t *Table) Views() []ViewDescriptor {
	out := make([]ViewDescriptor, len(t.views))
	copy(out, t.views)
	return out
}

// Get looks up a view by name.
func (t *Table) Get(name string) (ViewDescriptor, bool) {
	v, ok := t.byName[name]
	return v, ok
}

// Dependents returns views that depend on table, highest priority first.
func (t *Table) Dependents(table string) []ViewDescriptor {
	var out []ViewDescriptor
	for _, v := range t.views {
		if v.DependsOn(table) {
			out = append(out, v)
		}
	}
	return out
}

func sortByPriority(views []ViewDescriptor) {
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].Priority != views[j].Priority {
			return views[i].Priority > views[j].Priority
		}
		return views[i].Name < views[j].Name
	})
}
