// Package roster reads class enrolment from the people database.
package roster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrClassNotFound = errors.New("class has no enrolled students")

// Student is one roster entry.
type Student struct {
	ID   string
	Name string
}

type Provider interface {
	GetRoster(ctx context.Context, classID string) ([]Student, error)
}

// studentRow maps the students table of the people database.
type studentRow struct {
	ID      string `gorm:"primaryKey;column:id"`
	Name    string `gorm:"column:name;not null"`
	ClassID string `gorm:"column:class_id;index;not null"`
}

func (studentRow) TableName() string { return "students" }

type GormProvider struct {
	db *gorm.DB
}

// Open は SQLite の名簿DBを開く
func Open(path string) (*GormProvider, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("roster db open: %w", err)
	}
	if err := db.AutoMigrate(&studentRow{}); err != nil {
		return nil, fmt.Errorf("roster db migrate: %w", err)
	}
	return &GormProvider{db: db}, nil
}

func NewGormProvider(db *gorm.DB) *GormProvider { return &GormProvider{db: db} }

func (p *GormProvider) GetRoster(ctx context.Context, classID string) ([]Student, error) {
	var rows []studentRow
	err := p.db.WithContext(ctx).
		Where("class_id = ?", classID).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("roster query %s: %w", classID, err)
	}
	if len(rows) == 0 {
		return nil, ErrClassNotFound
	}
	out := make([]Student, 0, len(rows))
	for _, r := range rows {
		out = append(out, Student{ID: r.ID, Name: r.Name})
	}
	return out, nil
}

// Enroll upserts a student into a class (seeding / admin tooling).
func (p *GormProvider) Enroll(ctx context.Context, classID string, s Student) error {
	row := studentRow{ID: s.ID, Name: s.Name, ClassID: classID}
	return p.db.WithContext(ctx).Save(&row).Error
}

func (p *GormProvider) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Static is an in-memory provider.
type Static struct {
	mu      sync.RWMutex
	classes map[string][]Student
}

func NewStatic(classes map[string][]Student) *Static {
	s := &Static{classes: make(map[string][]Student, len(classes))}
	for k, v := range classes {
		s.classes[k] = append([]Student(nil), v...)
	}
	return s
}

func (s *Static) GetRoster(_ context.Context, classID string) ([]Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	students := s.classes[classID]
	if len(students) == 0 {
		return nil, ErrClassNotFound
	}
	out := append([]Student(nil), students...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Static) Set(classID string, students []Student) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classes[classID] = append([]Student(nil), students...)
}
