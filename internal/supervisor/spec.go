package supervisor

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbmodel "yesman/internal/db"
)

// SessionSpec is the static description of a supervised session.
// Immutable after registration; changes go through teardown + register.
type SessionSpec struct {
	ID       string   `json:"id"`
	Project  string   `json:"project,omitempty"`
	StartDir string   `json:"startDir,omitempty"`
	Windows  []string `json:"windows,omitempty"`
	Before   []string `json:"before,omitempty"`
}

func (s SessionSpec) validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("session id is required")
	}
	return nil
}

// SpecStore persists the session registry so supervised sessions survive
// a process restart.
type SpecStore struct {
	db *gorm.DB
}

func NewSpecStore(gdb *gorm.DB) (*SpecStore, error) {
	if gdb == nil {
		return nil, errors.New("db is required")
	}
	return &SpecStore{db: gdb}, nil
}

func (s *SpecStore) Save(spec SessionSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	windows, err := json.Marshal(spec.Windows)
	if err != nil {
		return err
	}
	before, err := json.Marshal(spec.Before)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Unix()
	row := dbmodel.Session{
		ID:          spec.ID,
		Project:     spec.Project,
		StartDir:    spec.StartDir,
		WindowsJSON: string(windows),
		BeforeJSON:  string(before),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"project":      row.Project,
			"start_dir":    row.StartDir,
			"windows_json": row.WindowsJSON,
			"before_json":  row.BeforeJSON,
			"updated_at":   row.UpdatedAt,
		}),
	}).Create(&row).Error
}

func (s *SpecStore) List() ([]SessionSpec, error) {
	var rows []dbmodel.Session
	if err := s.db.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	specs := make([]SessionSpec, 0, len(rows))
	for _, row := range rows {
		spec := SessionSpec{
			ID:       row.ID,
			Project:  row.Project,
			StartDir: row.StartDir,
		}
		if row.WindowsJSON != "" {
			if err := json.Unmarshal([]byte(row.WindowsJSON), &spec.Windows); err != nil {
				return nil, err
			}
		}
		if row.BeforeJSON != "" {
			if err := json.Unmarshal([]byte(row.BeforeJSON), &spec.Before); err != nil {
				return nil, err
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (s *SpecStore) Delete(id string) error {
	return s.db.Where("id = ?", id).Delete(&dbmodel.Session{}).Error
}
