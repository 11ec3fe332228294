package types

import (
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/steveyegge/beadsboard/internal/errs"
)

// Defaults applied to new items.
const (
	DefaultPriority  = 2
	DefaultIssueType = "task"
	MaxTitleLength   = 500
)

// CreateInput describes a new item.
type CreateInput struct {
	Title              string   `json:"title" validate:"required,max=500"`
	Description        string   `json:"description,omitempty" validate:"max=65536"`
	IssueType          string   `json:"issueType,omitempty" validate:"omitempty,oneof=task bug feature epic chore"`
	Priority           *int     `json:"priority,omitempty" validate:"omitempty,min=0,max=4"`
	Status             Status   `json:"status,omitempty" validate:"omitempty,oneof=open in_progress blocked closed"`
	Assignee           string   `json:"assignee,omitempty" validate:"max=255"`
	Labels             []string `json:"labels,omitempty" validate:"max=50,dive,min=1,max=64"`
	Parent             string   `json:"parent,omitempty" validate:"max=128"`
	Design             string   `json:"design,omitempty" validate:"max=65536"`
	AcceptanceCriteria string   `json:"acceptanceCriteria,omitempty" validate:"max=65536"`
	Notes              string   `json:"notes,omitempty" validate:"max=65536"`
	ExternalRef        string   `json:"externalRef,omitempty" validate:"max=255"`
	Due                string   `json:"due,omitempty" validate:"max=64"`
	Defer              string   `json:"defer,omitempty" validate:"max=64"`

	// Resolved by Normalize.
	DueAt      *time.Time `json:"-"`
	DeferUntil *time.Time `json:"-"`
}

// Normalize trims fields, applies defaults and resolves the due and defer
// expressions relative to now.
func (in *CreateInput) Normalize(now time.Time) error {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return errs.Validation("item.create", "title is required")
	}
	if len(in.Title) > MaxTitleLength {
		return errs.Validation("item.create", "title exceeds %d characters", MaxTitleLength)
	}
	if in.IssueType == "" {
		in.IssueType = DefaultIssueType
	}
	if in.Priority == nil {
		p := DefaultPriority
		in.Priority = &p
	}
	if *in.Priority < 0 || *in.Priority > 4 {
		return errs.Validation("item.create", "priority must be between 0 and 4")
	}
	if in.Status == "" {
		in.Status = StatusOpen
	}
	if !in.Status.IsValid() {
		return errs.Validation("item.create", "unknown status %q", in.Status)
	}
	in.Labels = NormalizeLabels(in.Labels)

	var err error
	if in.DueAt, err = ParseWhen(in.Due, now); err != nil {
		return err
	}
	if in.DeferUntil, err = ParseWhen(in.Defer, now); err != nil {
		return err
	}
	return nil
}

// Patch is a partial update. Nil fields are left unchanged. For Due and
// Defer an empty string clears the date.
type Patch struct {
	Title              *string `json:"title,omitempty" validate:"omitempty,min=1,max=500"`
	Description        *string `json:"description,omitempty" validate:"omitempty,max=65536"`
	Priority           *int    `json:"priority,omitempty" validate:"omitempty,min=0,max=4"`
	IssueType          *string `json:"issueType,omitempty" validate:"omitempty,oneof=task bug feature epic chore"`
	Assignee           *string `json:"assignee,omitempty" validate:"omitempty,max=255"`
	Design             *string `json:"design,omitempty" validate:"omitempty,max=65536"`
	AcceptanceCriteria *string `json:"acceptanceCriteria,omitempty" validate:"omitempty,max=65536"`
	Notes              *string `json:"notes,omitempty" validate:"omitempty,max=65536"`
	ExternalRef        *string `json:"externalRef,omitempty" validate:"omitempty,max=255"`
	Due                *string `json:"due,omitempty" validate:"omitempty,max=64"`
	Defer              *string `json:"defer,omitempty" validate:"omitempty,max=64"`
	Pinned             *bool   `json:"pinned,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p *Patch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil &&
		p.IssueType == nil && p.Assignee == nil && p.Design == nil &&
		p.AcceptanceCriteria == nil && p.Notes == nil && p.ExternalRef == nil &&
		p.Due == nil && p.Defer == nil && p.Pinned == nil
}

// Validate checks the patch without touching any store.
func (p *Patch) Validate() error {
	if p.IsEmpty() {
		return errs.Validation("item.update", "patch is empty")
	}
	if p.Title != nil {
		t := strings.TrimSpace(*p.Title)
		if t == "" {
			return errs.Validation("item.update", "title cannot be empty")
		}
		if len(t) > MaxTitleLength {
			return errs.Validation("item.update", "title exceeds %d characters", MaxTitleLength)
		}
		p.Title = &t
	}
	if p.Priority != nil && (*p.Priority < 0 || *p.Priority > 4) {
		return errs.Validation("item.update", "priority must be between 0 and 4")
	}
	return nil
}

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseWhen resolves a date expression. It accepts RFC3339, a plain date,
// or natural language such as "tomorrow" or "next friday". An empty
// expression yields nil.
func ParseWhen(expr string, now time.Time) (*time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, expr, now.Location()); err == nil {
			return &t, nil
		}
	}
	r, err := dateParser.Parse(expr, now)
	if err != nil {
		return nil, errs.Validation("date", "cannot parse %q: %v", expr, err)
	}
	if r == nil {
		return nil, errs.Validation("date", "cannot parse %q", expr)
	}
	t := r.Time
	return &t, nil
}
