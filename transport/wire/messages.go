// Package wire defines the JSON message shapes shared by the uds and http
// transports. Neither transport invents its own request/response layout;
// both marshal and unmarshal these types.
package wire

// AcquireRequest carries every field an Acquire call needs, for both CREATE
// and READ; unused fields are simply omitted by the sender.
type AcquireRequest struct {
	ObjectID     string            `json:"object_id"`
	Flags        int               `json:"flags"`
	TTLSeconds   float64           `json:"ttl_seconds,omitempty"`
	BlobSpecs    []int64           `json:"blob_specs,omitempty"`
	Metadata     map[string][]byte `json:"metadata,omitempty"`
	PrevObjectID string            `json:"prev_object_id,omitempty"`
}

// BlobWire is the wire form of peer.BlobDescriptor: a backend-kind tag plus
// whichever of the path-style or fd-style fields that kind populates.
type BlobWire struct {
	Kind   string `json:"kind"`
	Size   int64  `json:"size"`
	Sealed bool   `json:"sealed"`

	// Path is set for File and SharedFs blobs. Offset/Length bound the
	// blob's bytes within Path.
	Path   string `json:"path,omitempty"`
	Offset int64  `json:"offset,omitempty"`
	Length int64  `json:"length,omitempty"`

	// URL is set for Archive blobs (a remote-fetch token).
	URL string `json:"url,omitempty"`

	// HasFD reports whether a file descriptor for this blob was passed out
	// of band (SCM_RIGHTS, on the uds transport only). The http transport
	// never sets this.
	HasFD bool `json:"has_fd,omitempty"`
}

// SnapshotWire is the wire form of peer.Snapshot.
type SnapshotWire struct {
	ObjectID     string            `json:"object_id"`
	State        string            `json:"state"`
	Blobs        []BlobWire        `json:"blobs"`
	Metadata     map[string][]byte `json:"metadata,omitempty"`
	PrevObjectID string            `json:"prev_object_id,omitempty"`
}

// ErrorWire is the wire form of an errs.Error.
type ErrorWire struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AcquireResponse is the reply to an AcquireRequest.
type AcquireResponse struct {
	LeaseID  string        `json:"lease_id,omitempty"`
	Snapshot *SnapshotWire `json:"snapshot,omitempty"`
	Error    *ErrorWire    `json:"error,omitempty"`
}

// LeaseRequest carries a lease id for Seal/Discard/Release.
type LeaseRequest struct {
	LeaseID string `json:"lease_id"`
}

// SealResponse is the reply to a Seal call.
type SealResponse struct {
	Snapshot *SnapshotWire `json:"snapshot,omitempty"`
	Error    *ErrorWire    `json:"error,omitempty"`
}

// StatusResponse is the reply to a Discard or Release call.
type StatusResponse struct {
	OK    bool       `json:"ok"`
	Error *ErrorWire `json:"error,omitempty"`
}
