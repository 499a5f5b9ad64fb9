package settings

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/metergate/metergate/internal/models"
	"gorm.io/gorm"
)

// RefreshDBConfigSnapshot reloads all settings from the database and updates the in-memory snapshot.
//
// This is required at process startup; otherwise DBConfigValue() will return empty values until
// an operator updates settings (which triggers refresh).
func RefreshDBConfigSnapshot(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("settings: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var rows []models.Setting
	if errFind := db.WithContext(ctx).
		Select("key", "value", "updated_at").
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		return errFind
	}

	values := make(map[string]json.RawMessage, len(rows))
	maxUpdatedAt := time.Time{}
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		values[key] = row.Value
		if rowUpdatedAt := row.UpdatedAt.UTC(); rowUpdatedAt.After(maxUpdatedAt) {
			maxUpdatedAt = rowUpdatedAt
		}
	}

	StoreDBConfig(maxUpdatedAt, values)
	return nil
}

// IntValue returns an integer setting, falling back when absent or malformed.
func IntValue(key string, fallback int) int {
	raw, ok := DBConfigValue(key)
	if !ok {
		return fallback
	}
	parsed, okParse := parseConfigInt(raw)
	if !okParse {
		return fallback
	}
	return parsed
}

// parseConfigInt decodes an integer from a raw JSON setting value.
func parseConfigInt(raw json.RawMessage) (int, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return 0, false
	}
	var n int
	if errUnmarshal := json.Unmarshal([]byte(trimmed), &n); errUnmarshal == nil {
		return n, true
	}
	var f float64
	if errUnmarshal := json.Unmarshal([]byte(trimmed), &f); errUnmarshal == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
			return 0, false
		}
		return int(f), true
	}
	var s string
	if errUnmarshal := json.Unmarshal([]byte(trimmed), &s); errUnmarshal == nil {
		parsed, errParse := strconv.Atoi(strings.TrimSpace(s))
		if errParse == nil {
			return parsed, true
		}
	}
	return 0, false
}
