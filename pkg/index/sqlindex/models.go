package sqlindex

import (
	"time"

	"github.com/nainya/tagstore/pkg/tag"
)

// tagRow is one live tag. Timestamps are Unix nanoseconds so ordering and
// round trips are exact on every driver.
type tagRow struct {
	ID           uint   `gorm:"primaryKey"`
	Name         string `gorm:"size:128;not null;uniqueIndex:idx_tags_name"`
	FirstCreated int64  `gorm:"not null"`
	LastUpdated  int64  `gorm:"not null;index:idx_tags_last_updated"`

	// Declared for the cascading foreign keys; never preloaded
	Attributes []attributeRow `gorm:"foreignKey:TagID;constraint:OnDelete:CASCADE"`
	Components []componentRow `gorm:"foreignKey:TagID;constraint:OnDelete:CASCADE"`
}

func (tagRow) TableName() string { return "tags" }

// attributeRow holds one attribute pair; idx_attr_pair answers equality filters
type attributeRow struct {
	ID    uint   `gorm:"primaryKey"`
	TagID uint   `gorm:"not null;uniqueIndex:idx_attr_tag_key,priority:1"`
	Key   string `gorm:"column:attr_key;size:128;not null;uniqueIndex:idx_attr_tag_key,priority:2;index:idx_attr_pair,priority:1"`
	Value string `gorm:"column:attr_value;size:200;not null;index:idx_attr_pair,priority:2"`
}

func (attributeRow) TableName() string { return "tag_attributes" }

// componentRow keeps a nil group as NULL
type componentRow struct {
	ID         uint    `gorm:"primaryKey"`
	TagID      uint    `gorm:"not null;uniqueIndex:idx_comp_tag_pos,priority:1"`
	Position   int     `gorm:"not null;uniqueIndex:idx_comp_tag_pos,priority:2"`
	Repository string  `gorm:"size:256;not null"`
	GroupName  *string `gorm:"size:256"`
	Name       string  `gorm:"size:256;not null"`
	Version    string  `gorm:"size:256;not null"`
}

func (componentRow) TableName() string { return "tag_components" }

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func (r *tagRow) toTag() *tag.Tag {
	return &tag.Tag{
		Name:         r.Name,
		Attributes:   map[string]string{},
		Components:   []tag.Component{},
		FirstCreated: fromNanos(r.FirstCreated),
		LastUpdated:  fromNanos(r.LastUpdated),
	}
}

func (r *componentRow) toComponent() tag.Component {
	return tag.Component{
		Repository: r.Repository,
		Group:      r.GroupName,
		Name:       r.Name,
		Version:    r.Version,
	}
}
