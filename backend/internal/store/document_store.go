package store

import (
	"context"

	"gorm.io/gorm"
)

// Document 是会话对应的文档元数据行。内容本体在引擎内存里，
// 这里只记录 (project, path) 与会话的对应关系。
type Document struct {
	SessionID    string `gorm:"primaryKey;size:64"`
	ProjectID    string `gorm:"size:128;uniqueIndex:idx_project_path"`
	ResourcePath string `gorm:"size:255;uniqueIndex:idx_project_path"`
	CreatedAt    int64  `gorm:"autoCreateTime"`
}

type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) (*DocumentStore, error) {
	if err := db.AutoMigrate(&Document{}); err != nil {
		return nil, err
	}
	return &DocumentStore{db: db}, nil
}

func (s *DocumentStore) CreateDocument(ctx context.Context, sessionID, projectID, resourcePath string) error {
	doc := Document{SessionID: sessionID, ProjectID: projectID, ResourcePath: resourcePath}
	return s.db.WithContext(ctx).Create(&doc).Error
}

func (s *DocumentStore) GetSessionID(ctx context.Context, projectID, resourcePath string) (string, error) {
	var doc Document
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND resource_path = ?", projectID, resourcePath).
		First(&doc).Error
	if err != nil {
		return "", err
	}
	return doc.SessionID, nil
}
