package fhir

import (
	"fmt"
	"strings"
)

// Resource is a FHIR resource in its generic JSON form.
type Resource = map[string]interface{}

// GetString returns a top-level string property.
func GetString(res Resource, key string) (string, bool) {
	if res == nil {
		return "", false
	}
	s, ok := res[key].(string)
	return s, ok
}

// GetArray returns a top-level array property.
func GetArray(res Resource, key string) ([]interface{}, bool) {
	if res == nil {
		return nil, false
	}
	arr, ok := res[key].([]interface{})
	return arr, ok
}

// GetMap returns a top-level object property.
func GetMap(res Resource, key string) (Resource, bool) {
	if res == nil {
		return nil, false
	}
	m, ok := res[key].(Resource)
	return m, ok
}

// GetPath walks a dotted path of object properties ("subject.reference")
// and returns the string at the leaf.
func GetPath(res Resource, path string) (string, bool) {
	cur := res
	parts := strings.Split(path, ".")
	for i, p := range parts {
		if i == len(parts)-1 {
			return GetString(cur, p)
		}
		next, ok := GetMap(cur, p)
		if !ok {
			return "", false
		}
		cur = next
	}
	return "", false
}

// ResourceType returns the resourceType property.
func ResourceType(res Resource) string {
	t, _ := GetString(res, "resourceType")
	return t
}

// ResourceID returns the id property.
func ResourceID(res Resource) string {
	id, _ := GetString(res, "id")
	return id
}

// RelativeRef returns "Type/id" for a resource.
func RelativeRef(res Resource) string {
	return ResourceType(res) + "/" + ResourceID(res)
}

// Reference builds a FHIR reference object {"reference": "Type/id"}.
func Reference(resourceType, id string) Resource {
	return Resource{"reference": resourceType + "/" + id}
}

// RefID extracts the id portion of a "Type/id" reference string.
func RefID(ref string) string {
	if i := strings.LastIndexByte(ref, '/'); i != -1 {
		return ref[i+1:]
	}
	return ref
}

// SplitRef splits a "Type/id" reference string into its parts.
func SplitRef(ref string) (resourceType, id string, ok bool) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Coding builds a FHIR Coding object.
func Coding(system, code, display string) Resource {
	c := Resource{"system": system, "code": code}
	if display != "" {
		c["display"] = display
	}
	return c
}

// CodeableConcept builds a CodeableConcept with a single coding.
func CodeableConcept(system, code, display string) Resource {
	cc := Resource{"coding": []interface{}{Coding(system, code, display)}}
	if display != "" {
		cc["text"] = display
	}
	return cc
}

// FirstCoding returns the first coding of a CodeableConcept property.
func FirstCoding(res Resource, key string) (Resource, bool) {
	cc, ok := GetMap(res, key)
	if !ok {
		return nil, false
	}
	codings, ok := GetArray(cc, "coding")
	if !ok || len(codings) == 0 {
		return nil, false
	}
	c, ok := codings[0].(Resource)
	return c, ok
}

// SetMetaTags sets meta.tag on a resource, replacing any existing tags.
func SetMetaTags(res Resource, tags ...Resource) {
	meta, ok := GetMap(res, "meta")
	if !ok {
		meta = Resource{}
		res["meta"] = meta
	}
	arr := make([]interface{}, 0, len(tags))
	for _, t := range tags {
		arr = append(arr, t)
	}
	meta["tag"] = arr
}

// Extension builds a FHIR extension with one value[x] property.
func Extension(url, valueKey string, value interface{}) Resource {
	return Resource{"url": url, valueKey: value}
}

// FindExtension returns the first extension with the given url.
func FindExtension(res Resource, url string) (Resource, bool) {
	exts, ok := GetArray(res, "extension")
	if !ok {
		return nil, false
	}
	for _, e := range exts {
		ext, ok := e.(Resource)
		if !ok {
			continue
		}
		if u, _ := GetString(ext, "url"); u == url {
			return ext, true
		}
	}
	return nil, false
}

// SetExtension replaces or appends the extension with the given url.
func SetExtension(res Resource, ext Resource) {
	url, _ := GetString(ext, "url")
	exts, _ := GetArray(res, "extension")
	for i, e := range exts {
		if m, ok := e.(Resource); ok {
			if u, _ := GetString(m, "url"); u == url {
				exts[i] = ext
				res["extension"] = exts
				return
			}
		}
	}
	res["extension"] = append(exts, ext)
}

// RemoveExtension drops every extension with the given url.
func RemoveExtension(res Resource, url string) {
	exts, ok := GetArray(res, "extension")
	if !ok {
		return
	}
	kept := exts[:0]
	for _, e := range exts {
		if m, ok := e.(Resource); ok {
			if u, _ := GetString(m, "url"); u == url {
				continue
			}
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(res, "extension")
		return
	}
	res["extension"] = kept
}

// Kebab lowercases a string and collapses every run of characters
// outside [a-z0-9] into a single hyphen. Used to derive deterministic
// resource ids from HL7v2 field values.
func Kebab(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	hyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if hyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			hyphen = false
			b.WriteRune(r)
		default:
			hyphen = true
		}
	}
	return b.String()
}

// SanitizeID keeps a source identifier recognizable as a resource id:
// case and digits pass through untouched, and every run of characters
// outside the FHIR id charset [A-Za-z0-9.-] becomes a single hyphen.
// Used where an id must round-trip back to its HL7v2 field value, such
// as order and filler numbers.
func SanitizeID(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	hyphen := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			if hyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			hyphen = false
			b.WriteRune(r)
		default:
			hyphen = true
		}
	}
	return b.String()
}

// KebabJoin kebab-cases each part and joins them with hyphens, skipping
// empty parts.
func KebabJoin(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if k := Kebab(p); k != "" {
			kept = append(kept, k)
		}
	}
	return strings.Join(kept, "-")
}

// FormatDate converts an HL7v2 DTM prefix (YYYYMMDD) into a FHIR date.
func FormatDate(dtm string) (string, bool) {
	if len(dtm) < 8 {
		return "", false
	}
	return fmt.Sprintf("%s-%s-%s", dtm[0:4], dtm[4:6], dtm[6:8]), true
}

// FormatDateTime converts an HL7v2 DTM value into a FHIR dateTime. Values
// shorter than 14 characters fall back to a date.
func FormatDateTime(dtm string) (string, bool) {
	if i := strings.IndexAny(dtm, "+-."); i != -1 {
		dtm = dtm[:i]
	}
	if len(dtm) >= 14 {
		return fmt.Sprintf("%s-%s-%sT%s:%s:%sZ",
			dtm[0:4], dtm[4:6], dtm[6:8], dtm[8:10], dtm[10:12], dtm[12:14]), true
	}
	return FormatDate(dtm)
}
