package omrs

import "time"

// InstanceType is the type reference carried by every instance. SuperTypes
// lists the ancestors nearest first.
type InstanceType struct {
	TypeDefGUID     string          `json:"typeDefGUID"`
	TypeDefName     string          `json:"typeDefName"`
	TypeDefCategory TypeDefCategory `json:"typeDefCategory"`
	TypeDefVersion  int64           `json:"typeDefVersion"`
	SuperTypes      []TypeDefLink   `json:"typeDefSuperTypes,omitempty"`
}

// IsA reports whether the type is name or one of its subtypes.
func (t InstanceType) IsA(name string) bool {
	if t.TypeDefName == name {
		return true
	}
	for _, s := range t.SuperTypes {
		if s.Name == name {
			return true
		}
	}
	return false
}

// InstanceHeader is shared by entities, relationships and proxies.
type InstanceHeader struct {
	GUID                   string         `json:"guid"`
	Type                   InstanceType   `json:"type"`
	Status                 InstanceStatus `json:"status"`
	StatusOnDelete         InstanceStatus `json:"statusOnDelete,omitempty"`
	Version                int64          `json:"version"`
	CreatedBy              string         `json:"createdBy,omitempty"`
	UpdatedBy              string         `json:"updatedBy,omitempty"`
	CreateTime             time.Time      `json:"createTime"`
	UpdateTime             time.Time      `json:"updateTime"`
	MetadataCollectionID   string         `json:"metadataCollectionId"`
	MetadataCollectionName string         `json:"metadataCollectionName,omitempty"`
	InstanceProvenanceType ProvenanceType `json:"instanceProvenanceType,omitempty"`
	ReplicatedBy           string         `json:"replicatedBy,omitempty"`
	InstanceURL            string         `json:"instanceURL,omitempty"`
}

// Classification is a named, typed facet attached to an entity. It is
// versioned and homed independently of its entity.
type Classification struct {
	InstanceHeader
	Name                     string               `json:"name"`
	Properties               *InstanceProperties  `json:"properties,omitempty"`
	ClassificationOrigin     ClassificationOrigin `json:"classificationOrigin,omitempty"`
	ClassificationOriginGUID string               `json:"classificationOriginGUID,omitempty"`
}

// Clone returns a deep copy.
func (c Classification) Clone() Classification {
	c.Properties = c.Properties.Clone()
	c.Type.SuperTypes = append([]TypeDefLink(nil), c.Type.SuperTypes...)
	return c
}

// EntitySummary is an entity header with its classifications.
type EntitySummary struct {
	InstanceHeader
	Classifications []Classification `json:"classifications,omitempty"`
}

// EntityDetail is a full entity.
type EntityDetail struct {
	InstanceHeader
	Properties      *InstanceProperties `json:"properties,omitempty"`
	Classifications []Classification    `json:"classifications,omitempty"`
}

// Clone returns a deep copy.
func (e *EntityDetail) Clone() *EntityDetail {
	if e == nil {
		return nil
	}
	out := *e
	out.Type.SuperTypes = append([]TypeDefLink(nil), e.Type.SuperTypes...)
	out.Properties = e.Properties.Clone()
	out.Classifications = cloneClassifications(e.Classifications)
	return &out
}

// Summary drops the entity properties.
func (e *EntityDetail) Summary() *EntitySummary {
	return &EntitySummary{
		InstanceHeader:  e.InstanceHeader,
		Classifications: cloneClassifications(e.Classifications),
	}
}

// Classification returns the named classification.
func (e *EntityDetail) Classification(name string) (Classification, int, bool) {
	for i, c := range e.Classifications {
		if c.Name == name {
			return c, i, true
		}
	}
	return Classification{}, -1, false
}

func cloneClassifications(in []Classification) []Classification {
	if in == nil {
		return nil
	}
	out := make([]Classification, len(in))
	for i, c := range in {
		out[i] = c.Clone()
	}
	return out
}

// EntityProxy stands in for an entity homed elsewhere. It carries the
// unique properties of the entity only.
type EntityProxy struct {
	InstanceHeader
	UniqueProperties *InstanceProperties `json:"uniqueProperties,omitempty"`
	Classifications  []Classification    `json:"classifications,omitempty"`
}

// Clone returns a deep copy.
func (p *EntityProxy) Clone() *EntityProxy {
	if p == nil {
		return nil
	}
	out := *p
	out.Type.SuperTypes = append([]TypeDefLink(nil), p.Type.SuperTypes...)
	out.UniqueProperties = p.UniqueProperties.Clone()
	out.Classifications = cloneClassifications(p.Classifications)
	return &out
}

// Summary converts the proxy to an entity summary.
func (p *EntityProxy) Summary() *EntitySummary {
	return &EntitySummary{
		InstanceHeader:  p.InstanceHeader,
		Classifications: cloneClassifications(p.Classifications),
	}
}

// Relationship is a typed edge between two entities.
type Relationship struct {
	InstanceHeader
	Properties     *InstanceProperties `json:"properties,omitempty"`
	EntityOneProxy *EntityProxy        `json:"entityOneProxy"`
	EntityTwoProxy *EntityProxy        `json:"entityTwoProxy"`
}

// Clone returns a deep copy.
func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	out := *r
	out.Type.SuperTypes = append([]TypeDefLink(nil), r.Type.SuperTypes...)
	out.Properties = r.Properties.Clone()
	out.EntityOneProxy = r.EntityOneProxy.Clone()
	out.EntityTwoProxy = r.EntityTwoProxy.Clone()
	return &out
}

// EndGUIDs returns the guids of both ends.
func (r *Relationship) EndGUIDs() (string, string) {
	var one, two string
	if r.EntityOneProxy != nil {
		one = r.EntityOneProxy.GUID
	}
	if r.EntityTwoProxy != nil {
		two = r.EntityTwoProxy.GUID
	}
	return one, two
}

// OtherEnd returns the guid at the opposite end from guid.
func (r *Relationship) OtherEnd(guid string) string {
	one, two := r.EndGUIDs()
	if one == guid {
		return two
	}
	return one
}

// InstanceGraph is a set of entities and the relationships connecting them.
type InstanceGraph struct {
	Entities      []*EntityDetail `json:"entities"`
	Relationships []*Relationship `json:"relationships"`
}
