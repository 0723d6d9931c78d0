package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"signoff/internal/domain"
	"signoff/internal/events"
	"signoff/internal/repo"
	"signoff/internal/schema"
)

type CategoryCreateOptions struct {
	ID                string
	Code              string
	Name              string
	Fields            []schema.FieldDef
	DefaultTemplateID string
	OwnerRole         string
	Inactive          bool
	ActorID           string
}

func (e Engine) CreateCategory(ctx context.Context, opts CategoryCreateOptions) (domain.Category, error) {
	code := strings.TrimSpace(opts.Code)
	if code == "" {
		return domain.Category{}, newError(CodeInvalidFieldSchema, "category code is required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Category{}, newError(CodeInvalidFieldSchema, "category name is required")
	}
	if opts.Fields == nil {
		opts.Fields = []schema.FieldDef{}
	}
	if err := schema.ValidateDefs(opts.Fields); err != nil {
		return domain.Category{}, newError(CodeInvalidFieldSchema, "invalid field definitions").withDetails(err)
	}
	now := e.timestamp()
	c := domain.Category{
		ID:        opts.ID,
		Code:      code,
		Name:      strings.TrimSpace(opts.Name),
		Fields:    opts.Fields,
		OwnerRole: strings.TrimSpace(opts.OwnerRole),
		Active:    !opts.Inactive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Category{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetCategoryByCode(ctx, tx, code); err == nil {
		return domain.Category{}, newError(CodeDuplicateCategoryCode, "category code %s already exists", code)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Category{}, err
	}
	if opts.DefaultTemplateID != "" {
		if err := e.checkCategoryTemplate(ctx, tx, c.ID, opts.DefaultTemplateID); err != nil {
			return domain.Category{}, err
		}
		id := opts.DefaultTemplateID
		c.DefaultTemplateID = &id
	}
	if err := e.Repo.InsertCategory(ctx, tx, c); err != nil {
		return domain.Category{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, "category.created", "category", c.ID, opts.ActorID, events.Payload{"code": c.Code, "name": c.Name}); err != nil {
		return domain.Category{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Category{}, err
	}
	e.kick()
	return c, nil
}

// CategoryUpdateOptions carries the mutable fields. The code is fixed at creation.
// An empty DefaultTemplateID clears the binding.
type CategoryUpdateOptions struct {
	ID                string
	Name              *string
	Fields            *[]schema.FieldDef
	DefaultTemplateID *string
	OwnerRole         *string
	Active            *bool
	ActorID           string
}

func (e Engine) UpdateCategory(ctx context.Context, opts CategoryUpdateOptions) (domain.Category, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Category{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCategory(ctx, tx, opts.ID)
	if err != nil {
		return domain.Category{}, notFound(err, CodeCategoryNotFound, "category %s not found", opts.ID)
	}
	changed := []string{}
	if opts.Name != nil {
		name := strings.TrimSpace(*opts.Name)
		if name == "" {
			return domain.Category{}, newError(CodeInvalidFieldSchema, "category name is required")
		}
		c.Name = name
		changed = append(changed, "name")
	}
	if opts.Fields != nil {
		fields := *opts.Fields
		if fields == nil {
			fields = []schema.FieldDef{}
		}
		if err := schema.ValidateDefs(fields); err != nil {
			return domain.Category{}, newError(CodeInvalidFieldSchema, "invalid field definitions").withDetails(err)
		}
		c.Fields = fields
		changed = append(changed, "fields")
	}
	if opts.DefaultTemplateID != nil {
		if *opts.DefaultTemplateID == "" {
			c.DefaultTemplateID = nil
		} else {
			if err := e.checkCategoryTemplate(ctx, tx, c.ID, *opts.DefaultTemplateID); err != nil {
				return domain.Category{}, err
			}
			id := *opts.DefaultTemplateID
			c.DefaultTemplateID = &id
		}
		changed = append(changed, "default_template_id")
	}
	if opts.OwnerRole != nil {
		c.OwnerRole = strings.TrimSpace(*opts.OwnerRole)
		changed = append(changed, "owner_role")
	}
	if opts.Active != nil {
		c.Active = *opts.Active
		changed = append(changed, "active")
	}
	c.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateCategory(ctx, tx, c); err != nil {
		return domain.Category{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, "category.updated", "category", c.ID, opts.ActorID, events.Payload{"changed": changed}); err != nil {
		return domain.Category{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Category{}, err
	}
	e.kick()
	return c, nil
}

// checkCategoryTemplate verifies a template can be bound as a category's default.
func (e Engine) checkCategoryTemplate(ctx context.Context, tx *sql.Tx, categoryID, templateID string) error {
	t, err := e.Repo.GetTemplate(ctx, tx, templateID)
	if err != nil {
		return notFound(err, CodeTemplateNotFound, "template %s not found", templateID)
	}
	if t.CategoryID != nil && *t.CategoryID != categoryID {
		return newError(CodeTemplateNotFound, "template %s belongs to another category", templateID)
	}
	return nil
}

func (e Engine) GetCategory(ctx context.Context, id string) (domain.Category, error) {
	c, err := e.Repo.GetCategory(ctx, nil, id)
	if err != nil {
		return c, notFound(err, CodeCategoryNotFound, "category %s not found", id)
	}
	return c, nil
}

func (e Engine) GetCategoryByCode(ctx context.Context, code string) (domain.Category, error) {
	c, err := e.Repo.GetCategoryByCode(ctx, nil, code)
	if err != nil {
		return c, notFound(err, CodeCategoryNotFound, "category %s not found", code)
	}
	return c, nil
}

// FindCategory accepts either an id or a code.
func (e Engine) FindCategory(ctx context.Context, ref string) (domain.Category, error) {
	c, err := e.Repo.GetCategory(ctx, nil, ref)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return c, err
	}
	return e.GetCategoryByCode(ctx, ref)
}

func (e Engine) ListCategories(ctx context.Context, activeOnly bool) ([]domain.Category, error) {
	return e.Repo.ListCategories(ctx, activeOnly)
}
