package fhir

// BundleEntryRequest carries the request details of a transaction Bundle
// entry, including conditional HTTP headers.
type BundleEntryRequest struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	IfNoneMatch string `json:"ifNoneMatch,omitempty"`
	IfMatch     string `json:"ifMatch,omitempty"`
	IfNoneExist string `json:"ifNoneExist,omitempty"`
}

// BundleEntryResponse carries the per-entry outcome after a transaction
// has been processed.
type BundleEntryResponse struct {
	Status       string      `json:"status"`
	Location     string      `json:"location,omitempty"`
	ETag         string      `json:"etag,omitempty"`
	LastModified string      `json:"lastModified,omitempty"`
	Outcome      interface{} `json:"outcome,omitempty"`
}

// BundleEntry is a single entry of a Bundle.
type BundleEntry struct {
	FullURL  string               `json:"fullUrl,omitempty"`
	Resource Resource             `json:"resource,omitempty"`
	Request  *BundleEntryRequest  `json:"request,omitempty"`
	Response *BundleEntryResponse `json:"response,omitempty"`
}

// Bundle is a FHIR Bundle in its typed form, used both for transaction
// submissions and for searchset responses.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// NewTransaction returns an empty transaction Bundle.
func NewTransaction() *Bundle {
	return &Bundle{ResourceType: "Bundle", Type: "transaction"}
}

// Put appends a PUT entry keyed by the resource's own Type/id. All
// pipeline writes are PUTs against deterministic ids, so resubmitting a
// bundle is idempotent.
func (b *Bundle) Put(res Resource) *BundleEntry {
	b.Entry = append(b.Entry, BundleEntry{
		Resource: res,
		Request: &BundleEntryRequest{
			Method: "PUT",
			URL:    RelativeRef(res),
		},
	})
	return &b.Entry[len(b.Entry)-1]
}

// PutIfMatch appends a PUT guarded by an ETag (If-Match).
func (b *Bundle) PutIfMatch(res Resource, etag string) *BundleEntry {
	e := b.Put(res)
	e.Request.IfMatch = etag
	return e
}

// PutIfNoneMatch appends a create-only PUT (If-None-Match: *).
func (b *Bundle) PutIfNoneMatch(res Resource) *BundleEntry {
	e := b.Put(res)
	e.Request.IfNoneMatch = "*"
	return e
}

// IsEmpty reports whether the bundle carries no entries.
func (b *Bundle) IsEmpty() bool {
	return len(b.Entry) == 0
}

// Resources returns every entry resource of a searchset bundle.
func (b *Bundle) Resources() []Resource {
	out := make([]Resource, 0, len(b.Entry))
	for _, e := range b.Entry {
		if e.Resource != nil {
			out = append(out, e.Resource)
		}
	}
	return out
}
