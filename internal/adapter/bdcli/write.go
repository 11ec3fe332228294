package bdcli

import (
	"context"
	"strings"
	"time"

	"github.com/steveyegge/beadsboard/internal/errs"
	"github.com/steveyegge/beadsboard/internal/types"
)

// CreateItem runs bd create and returns the new id. A non-open initial
// status is applied with a follow-up update.
func (a *Adapter) CreateItem(ctx context.Context, in types.CreateInput) (string, error) {
	if err := in.Normalize(a.cfg.Now()); err != nil {
		return "", err
	}
	for _, l := range in.Labels {
		if err := ValidateLabel(l); err != nil {
			return "", err
		}
	}
	if in.Parent != "" {
		if err := ValidateID(in.Parent); err != nil {
			return "", err
		}
	}

	args := []string{
		"create",
		flag("title", SanitizeText(in.Title, false)),
		flag("type", in.IssueType),
		intFlag("priority", *in.Priority),
	}
	args = appendText(args, "description", in.Description, true)
	args = appendText(args, "design", in.Design, true)
	args = appendText(args, "acceptance", in.AcceptanceCriteria, true)
	args = appendText(args, "notes", in.Notes, true)
	args = appendText(args, "assignee", in.Assignee, false)
	args = appendText(args, "external-ref", in.ExternalRef, false)
	if len(in.Labels) > 0 {
		args = append(args, flag("labels", strings.Join(in.Labels, ",")))
	}
	if in.Parent != "" {
		args = append(args, flag("parent", in.Parent))
	}
	if in.DueAt != nil {
		args = append(args, flag("due", in.DueAt.Format(time.RFC3339)))
	}
	if in.DeferUntil != nil {
		args = append(args, flag("defer", in.DeferUntil.Format(time.RFC3339)))
	}
	args = append(args, "--json")

	out, err := a.mutate(ctx, args...)
	if err != nil {
		return "", err
	}
	id, err := parseCreatedID(out)
	if err != nil {
		return "", errs.E(errs.KindTransient, "item.create", err)
	}
	if in.Status != types.StatusOpen {
		if err := a.SetStatus(ctx, id, in.Status); err != nil {
			return id, err
		}
	}
	return id, nil
}

func appendText(args []string, name, value string, multiline bool) []string {
	if v := SanitizeText(value, multiline); v != "" {
		return append(args, flag(name, v))
	}
	return args
}

// UpdateItem runs bd update with one flag per set field.
func (a *Adapter) UpdateItem(ctx context.Context, id string, patch types.Patch) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := patch.Validate(); err != nil {
		return err
	}
	if patch.Pinned != nil {
		return errs.Validation("item.update", "pinning is not supported by the bd backend")
	}

	args := []string{"update", id}
	text := []struct {
		name      string
		val       *string
		multiline bool
	}{
		{"title", patch.Title, false},
		{"description", patch.Description, true},
		{"type", patch.IssueType, false},
		{"assignee", patch.Assignee, false},
		{"design", patch.Design, true},
		{"acceptance", patch.AcceptanceCriteria, true},
		{"notes", patch.Notes, true},
		{"external-ref", patch.ExternalRef, false},
	}
	for _, f := range text {
		if f.val != nil {
			args = append(args, flag(f.name, SanitizeText(*f.val, f.multiline)))
		}
	}
	if patch.Priority != nil {
		args = append(args, intFlag("priority", *patch.Priority))
	}
	for _, d := range []struct {
		name string
		expr *string
	}{{"due", patch.Due}, {"defer", patch.Defer}} {
		if d.expr == nil {
			continue
		}
		t, err := types.ParseWhen(*d.expr, a.cfg.Now())
		if err != nil {
			return err
		}
		value := ""
		if t != nil {
			value = t.Format(time.RFC3339)
		}
		args = append(args, flag(d.name, value))
	}
	args = append(args, "--json")

	_, err := a.mutate(ctx, args...)
	return err
}

// SetStatus closes through bd close and sets every other status through bd
// update, which also reopens closed items.
func (a *Adapter) SetStatus(ctx context.Context, id string, status types.Status) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if !status.IsValid() {
		return errs.Validation("item.status", "unknown status %q", status)
	}
	var err error
	if status == types.StatusClosed {
		_, err = a.mutate(ctx, "close", id, "--json")
	} else {
		_, err = a.mutate(ctx, "update", id, flag("status", string(status)), "--json")
	}
	return err
}

// DeleteItem runs bd delete --force.
func (a *Adapter) DeleteItem(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	_, err := a.mutate(ctx, "delete", id, "--force", "--json")
	return err
}

// AddComment runs bd comments add. The text follows a -- terminator so a
// leading hyphen is never read as a flag.
func (a *Adapter) AddComment(ctx context.Context, id, author, text string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	text = SanitizeText(text, true)
	if text == "" {
		return errs.Validation("comment.add", "comment text is required")
	}
	args := []string{"comments", "add", id}
	if author = SanitizeText(author, false); author != "" {
		args = append(args, flag("author", author))
	}
	args = append(args, "--", text)
	_, err := a.mutate(ctx, args...)
	return err
}

// AddLabel runs bd label add.
func (a *Adapter) AddLabel(ctx context.Context, id, label string) error {
	return a.label(ctx, "add", id, label)
}

// RemoveLabel runs bd label remove.
func (a *Adapter) RemoveLabel(ctx context.Context, id, label string) error {
	return a.label(ctx, "remove", id, label)
}

func (a *Adapter) label(ctx context.Context, action, id, label string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	label = strings.TrimSpace(label)
	if err := ValidateLabel(label); err != nil {
		return err
	}
	_, err := a.mutate(ctx, "label", action, id, label)
	return err
}

// AddDependency runs bd dep add. bd takes the dependent item first.
func (a *Adapter) AddDependency(ctx context.Context, dep types.Dependency) error {
	return a.dep(ctx, "add", dep)
}

// RemoveDependency runs bd dep remove.
func (a *Adapter) RemoveDependency(ctx context.Context, dep types.Dependency) error {
	return a.dep(ctx, "remove", dep)
}

func (a *Adapter) dep(ctx context.Context, action string, dep types.Dependency) error {
	if err := dep.Validate(); err != nil {
		return err
	}
	for _, id := range []string{dep.From, dep.To} {
		if err := ValidateID(id); err != nil {
			return err
		}
	}
	_, err := a.mutate(ctx, "dep", action, dep.To, dep.From, flag("type", string(dep.Type)))
	return err
}
