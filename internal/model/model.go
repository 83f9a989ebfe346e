// Package model defines the records written by the insert benchmark and the
// schema they live in.
//
// Records are plain values. Relationships are carried as integer keys rather
// than pointers: a Child knows its ParentID, a Detail shares its parent's ID.
// Keys derive from loop indices so a run needs no state from earlier runs.
package model

import (
	"fmt"
	"time"
)

// Kind identifies a record type and doubles as its table name.
type Kind string

const (
	KindParent Kind = "post"
	KindChild  Kind = "post_comment"
	KindDetail Kind = "post_details"
)

func (k Kind) String() string { return string(k) }

// Insert templates. Column order is the bind order.
const (
	InsertParentSQL = "INSERT INTO post (title, version, id) VALUES (?, ?, ?)"
	InsertChildSQL  = "INSERT INTO post_comment (post_id, review, version, id) VALUES (?, ?, ?, ?)"
	InsertDetailSQL = "INSERT INTO post_details (created_on, id) VALUES (?, ?)"
)

// Parent is a post. ID is assigned by the client, never by the backend.
type Parent struct {
	ID      int64
	Title   string
	Version int32

	// DetailID is set while a Detail is attached.
	DetailID *int64
}

// NewParent builds the parent for loop index i.
func NewParent(i int) Parent {
	return Parent{
		ID:    int64(i),
		Title: fmt.Sprintf("Post no. %d", i),
	}
}

// Values returns the bind values in slot order {title, version, id}.
func (p Parent) Values() []any {
	return []any{p.Title, p.Version, p.ID}
}

// Child is a comment on a post.
type Child struct {
	ID       int64
	ParentID int64
	Review   string
	Version  int32
}

// NewChild builds child j of parent i. The key is perParent*i + j, so keys are
// dense and unique across the run.
func NewChild(i, j, perParent int) Child {
	return Child{
		ID:       ChildKey(i, j, perParent),
		ParentID: int64(i),
		Review:   fmt.Sprintf("Post comment %d", j),
	}
}

// ChildKey returns the key of child j of parent i.
func ChildKey(i, j, perParent int) int64 {
	return int64(perParent)*int64(i) + int64(j)
}

// Values returns the bind values in slot order {post_id, review, version, id}.
func (c Child) Values() []any {
	return []any{c.ParentID, c.Review, c.Version, c.ID}
}

// Detail is the optional one-to-one companion of a Parent. Its ID is its
// parent's ID (shared primary key).
type Detail struct {
	ID        int64
	CreatedOn time.Time

	// ParentID is the back-reference; nil when detached.
	ParentID *int64
}

// NewDetail returns a detached Detail stamped with now().
func NewDetail(now func() time.Time) Detail {
	if now == nil {
		now = time.Now
	}
	return Detail{CreatedOn: now()}
}

// Values returns the bind values in slot order {created_on, id}.
func (d Detail) Values() []any {
	return []any{d.CreatedOn, d.ID}
}

// AttachDetail links d to p. The detail takes the parent's ID.
func AttachDetail(p *Parent, d *Detail) {
	id := p.ID
	d.ID = id
	d.ParentID = &id
	p.DetailID = &id
}

// DetachDetail unlinks d from p, clearing both sides together.
//
// Errors:
//   - Returns an error if d is not attached to p; neither side is modified.
func DetachDetail(p *Parent, d *Detail) error {
	if p.DetailID == nil || d.ParentID == nil || *p.DetailID != d.ID || *d.ParentID != p.ID {
		return fmt.Errorf("model: detail %d is not attached to post %d", d.ID, p.ID)
	}
	p.DetailID = nil
	d.ParentID = nil
	return nil
}
