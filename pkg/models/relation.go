package models

import "time"

// Relation kinds used by the engine. Business-object relations use a
// per-tag kind built by ObjRelKind.
const (
	RelKindModelState    = "ModelState"
	RelKindModelTemplate = "ModelTemplate"
	RelKindObjParent     = "ObjParent"
	RelKindObjSub        = "ObjSub"
)

// ObjRelKind builds the relation kind linking business objects of a tag.
func ObjRelKind(tag string) string {
	return "ObjRel:" + tag
}

// Relation is a tagged many-to-many edge keyed by (kind, from, to). It binds
// states to versions and business objects to each other without foreign keys
// on the entities themselves.
type Relation struct {
	Kind      string    `json:"kind"    validate:"required"`
	FromID    string    `json:"from_id" validate:"required"`
	ToID      string    `json:"to_id"   validate:"required"`
	Name      string    `json:"name,omitempty"`
	Ext       string    `json:"ext,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
