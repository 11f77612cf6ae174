package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	projectdomain "github.com/smallbiznis/entitled/internal/project/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() projectdomain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*projectdomain.Project, error) {
	var project projectdomain.Project
	err := db.WithContext(ctx).Where("id = ?", id).First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &project, nil
}

func (r *repo) FindAppByKeyHash(ctx context.Context, db *gorm.DB, keyHash string) (*projectdomain.App, error) {
	var app projectdomain.App
	err := db.WithContext(ctx).Where("api_key_hash = ?", keyHash).First(&app).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &app, nil
}
