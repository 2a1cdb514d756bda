package boards

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidBoardID indicates that a board identifier is empty or exceeds storage bounds.
	ErrInvalidBoardID = errors.New("boards: invalid board id")
	// ErrInvalidVersion indicates a snapshot version that is not positive.
	ErrInvalidVersion = errors.New("boards: invalid snapshot version")
	// ErrSnapshotNotFound indicates that no snapshot was persisted for the board.
	ErrSnapshotNotFound = errors.New("boards: snapshot not found")
)

// BoardID represents a validated board identifier.
type BoardID string

// NewBoardID validates raw input and returns a BoardID.
func NewBoardID(rawInput string) (BoardID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBoardID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBoardID, maxIdentifierLength)
	}
	return BoardID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BoardID) String() string {
	return string(id)
}

// BoardSnapshot is the last canvas snapshot applied to a board.
type BoardSnapshot struct {
	BoardID          string `gorm:"column:board_id;primaryKey;size:190;not null"`
	Version          int64  `gorm:"column:version;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_board_snapshots_updated"`
}

// TableName provides the explicit table binding for GORM.
func (BoardSnapshot) TableName() string {
	return "board_snapshots"
}
