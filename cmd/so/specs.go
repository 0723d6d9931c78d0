package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"signoff/internal/domain"
	"signoff/internal/schema"
)

// parseStage reads the compact form TYPE[:MODE]:user1,user2? where a
// trailing "?" marks an optional approver. MODE defaults to ALL.
func parseStage(spec string) (domain.Stage, error) {
	parts := strings.Split(strings.TrimSpace(spec), ":")
	var typ, mode, users string
	switch len(parts) {
	case 2:
		typ, mode, users = parts[0], string(domain.ModeAll), parts[1]
	case 3:
		typ, mode, users = parts[0], parts[1], parts[2]
	default:
		return domain.Stage{}, fmt.Errorf("stage %q: want TYPE[:MODE]:users", spec)
	}
	st := domain.Stage{
		Type: domain.StageType(strings.ToUpper(strings.TrimSpace(typ))),
		Mode: domain.AggregationMode(strings.ToUpper(strings.TrimSpace(mode))),
	}
	for _, u := range strings.Split(users, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		required := true
		if strings.HasSuffix(u, "?") {
			required = false
			u = strings.TrimSuffix(u, "?")
		}
		st.Slots = append(st.Slots, domain.ApproverSlot{UserID: u, Required: required, Order: len(st.Slots) + 1})
	}
	if len(st.Slots) == 0 {
		return domain.Stage{}, fmt.Errorf("stage %q has no approvers", spec)
	}
	return st, nil
}

func parseStages(specs []string) ([]domain.Stage, error) {
	out := make([]domain.Stage, 0, len(specs))
	for _, s := range specs {
		st, err := parseStage(s)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// parseAssignments splits repeated key=value flags.
func parseAssignments(items []string) (map[string]string, error) {
	out := map[string]string{}
	for _, item := range items {
		k, v, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", item)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

// scalar turns a flag string into the JSON-like value a payload expects.
func scalar(v string) any {
	if v == "true" || v == "false" {
		return v == "true"
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n
	}
	return v
}

type slotFile struct {
	UserID   string `yaml:"user_id"`
	Required *bool  `yaml:"required"`
	Order    int    `yaml:"order"`
}

type stageFile struct {
	Type      string     `yaml:"type"`
	Mode      string     `yaml:"mode"`
	Approvers []slotFile `yaml:"approvers"`
}

func (s stageFile) stage() domain.Stage {
	mode := s.Mode
	if mode == "" {
		mode = string(domain.ModeAll)
	}
	st := domain.Stage{
		Type: domain.StageType(strings.ToUpper(s.Type)),
		Mode: domain.AggregationMode(strings.ToUpper(mode)),
	}
	for i, a := range s.Approvers {
		required := a.Required == nil || *a.Required
		order := a.Order
		if order == 0 {
			order = i + 1
		}
		st.Slots = append(st.Slots, domain.ApproverSlot{UserID: a.UserID, Required: required, Order: order})
	}
	return st
}

type templateFile struct {
	ID              string      `yaml:"id"`
	Name            string      `yaml:"name"`
	Category        string      `yaml:"category"`
	Default         bool        `yaml:"default"`
	Active          *bool       `yaml:"active"`
	AgreementPolicy string      `yaml:"agreement_policy"`
	Stages          []stageFile `yaml:"stages"`
}

func (t templateFile) stages() []domain.Stage {
	out := make([]domain.Stage, 0, len(t.Stages))
	for _, s := range t.Stages {
		out = append(out, s.stage())
	}
	return out
}

type templatesFile struct {
	Templates []templateFile `yaml:"templates"`
}

type memberFile struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	ManagerID    string   `yaml:"manager_id"`
	DepartmentID string   `yaml:"department_id"`
	Level        int      `yaml:"level"`
	Roles        []string `yaml:"roles"`
	Active       *bool    `yaml:"active"`
}

func (m memberFile) member() domain.OrgMember {
	return domain.OrgMember{
		ID:           m.ID,
		Name:         m.Name,
		ManagerID:    optionalString(m.ManagerID),
		DepartmentID: m.DepartmentID,
		Level:        m.Level,
		Roles:        m.Roles,
		Active:       m.Active == nil || *m.Active,
	}
}

type membersFile struct {
	Members []memberFile `yaml:"members"`
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func readFields(path string) ([]schema.FieldDef, error) {
	var doc struct {
		Fields []schema.FieldDef `yaml:"fields"`
	}
	if err := readYAML(path, &doc); err != nil {
		return nil, err
	}
	return doc.Fields, nil
}

func readConditions(path string) ([]domain.Condition, error) {
	var doc struct {
		Conditions []domain.Condition `yaml:"conditions"`
	}
	if err := readYAML(path, &doc); err != nil {
		return nil, err
	}
	return doc.Conditions, nil
}
