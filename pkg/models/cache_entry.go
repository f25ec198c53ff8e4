package models

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hashicorp-forge/augment/pkg/assetid"
)

// CacheEntry is the persisted index row for one cached asset package.
// The package bytes live in the blob store; this row records where, and is
// only written after the blob has been fully written and renamed into place.
type CacheEntry struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Identifier is the asset identifier from the recognition metadata.
	Identifier string `gorm:"type:varchar(255);not null;uniqueIndex:idx_cache_entries_identifier" json:"identifier"`

	// ContentHash is the hash of Identifier, used as the cache version token.
	ContentHash assetid.Hash `gorm:"type:varchar(100);not null;index:idx_cache_entries_hash" json:"contentHash"`

	// BlobPath is the blob location relative to the cache root.
	BlobPath string `gorm:"type:varchar(255);not null" json:"blobPath"`

	// Size is the length of the package in bytes.
	Size int64 `gorm:"not null" json:"size"`

	FetchedAt time.Time `gorm:"not null" json:"fetchedAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name.
func (CacheEntry) TableName() string {
	return "cache_entries"
}

// Validate checks the required fields.
func (e *CacheEntry) Validate() error {
	if err := validation.ValidateStruct(e,
		validation.Field(&e.Identifier, validation.Required, validation.Length(1, 255)),
		validation.Field(&e.BlobPath, validation.Required),
		validation.Field(&e.FetchedAt, validation.Required),
		validation.Field(&e.Size, validation.Min(int64(0))),
	); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if e.ContentHash.IsZero() {
		return fmt.Errorf("validation error: content_hash is required")
	}
	return nil
}

// Upsert creates the entry, or replaces the existing entry for the same
// identifier.
func (e *CacheEntry) Upsert(db *gorm.DB) error {
	if err := e.Validate(); err != nil {
		return err
	}

	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "identifier"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"content_hash", "blob_path", "size", "fetched_at", "updated_at",
		}),
	}).Create(e).Error
}

// GetByIdentifier retrieves the entry for an identifier.
func (e *CacheEntry) GetByIdentifier(db *gorm.DB, identifier string) error {
	if err := validation.Validate(identifier, validation.Required); err != nil {
		return err
	}

	return db.
		Where("identifier = ?", identifier).
		First(e).
		Error
}

// Delete removes the entry.
func (e *CacheEntry) Delete(db *gorm.DB) error {
	return db.Where("identifier = ?", e.Identifier).Delete(&CacheEntry{}).Error
}

// GetAllCacheEntries retrieves all cache entries ordered by identifier.
func GetAllCacheEntries(db *gorm.DB) ([]CacheEntry, error) {
	var entries []CacheEntry
	err := db.
		Order("identifier ASC").
		Find(&entries).
		Error
	return entries, err
}
