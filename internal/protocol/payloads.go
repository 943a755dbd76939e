package protocol

// AllowedRoot is a whitelist entry announced in the handshake.
type AllowedRoot struct {
	RootID  string `json:"root_id"`
	Name    string `json:"name"`
	AbsPath string `json:"abs_path"`
}

// HelloPayload is the handshake request.
type HelloPayload struct {
	EnrollToken  string        `json:"enroll_token"`
	DeviceID     string        `json:"device_id"`
	DeviceName   string        `json:"device_name"`
	Platform     string        `json:"platform"`
	Version      string        `json:"version"`
	AllowedRoots []AllowedRoot `json:"allowed_roots"`
}

// HelloAckPayload is the handshake acknowledgment.
type HelloAckPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HeartbeatPayload carries health metrics.
type HeartbeatPayload struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   int64   `json:"memory_mb"`
	DiskFreeGB int64   `json:"disk_free_gb"`
}

// Progress statuses.
const (
	ProgressStarted   = "started"
	ProgressUploading = "uploading"
	ProgressCompleted = "completed"
)

// ProgressPayload reports upload progress for a request.
type ProgressPayload struct {
	ReqID         string `json:"req_id"`
	UploadedBytes int64  `json:"uploaded_bytes"`
	TotalBytes    int64  `json:"total_bytes"`
	Percent       int    `json:"percent"`
	Status        string `json:"status"`
}

// ErrorPayload is the body of a generic error envelope.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	ReqID   string    `json:"req_id"`
	Path    string    `json:"path,omitempty"`
}

// PathRequest is the payload shared by every path-bearing request.
type PathRequest struct {
	Path string `json:"path"`
}

// UploadRequest is the upload_req payload.
type UploadRequest struct {
	Path         string `json:"path"`
	CleanupAfter bool   `json:"cleanup_after,omitempty"`
	UploadURL    string `json:"upload_url,omitempty"`
}

// FileInfo is a directory listing entry.
type FileInfo struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	IsDir        bool   `json:"is_dir"`
	Size         int64  `json:"size"`
	ModifiedTime int64  `json:"modified_time"`
}

// ListResponse is the list_resp payload.
type ListResponse struct {
	Path    string     `json:"path"`
	Entries []FileInfo `json:"entries"`
}

// DeleteResponse is the delete_resp payload.
type DeleteResponse struct {
	Path    string `json:"path"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CompressResult describes a temporary archive.
type CompressResult struct {
	ZipPath      string `json:"zip_path"`
	ZipName      string `json:"zip_name"`
	Size         int64  `json:"size"`
	OriginalPath string `json:"original_path"`
}

// ProbeResult is lightweight file metadata without content or hash.
type ProbeResult struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	Exists       bool   `json:"exists"`
	IsDir        bool   `json:"is_dir"`
	Size         int64  `json:"size"`
	ModifiedTime int64  `json:"modified_time"`
}

// FileMetadata is full file metadata including the content hash.
type FileMetadata struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	ModifiedTime int64  `json:"modified_time"`
	SHA256       string `json:"sha256"`
}

// Upload methods.
const (
	UploadMethodHTTP      = "http"
	UploadMethodWebSocket = "websocket"
)

// UploadResponse is the upload_resp payload. Content is only set for the
// websocket fallback.
type UploadResponse struct {
	FileMetadata
	Uploaded     bool   `json:"uploaded"`
	UploadMethod string `json:"upload_method"`
	Content      string `json:"content,omitempty"`
	Encoding     string `json:"encoding,omitempty"`
}
