package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrProjectNotFound = errors.New("project_not_found")
	ErrProjectInactive = errors.New("project_inactive")
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Project, error)
	FindAppByKeyHash(ctx context.Context, db *gorm.DB, keyHash string) (*App, error)
}
