// Package gateway is a small HTTP service with S3-like multipart semantics,
// backed by a local directory. It lets the upload engine run end-to-end
// without a cloud account.
//
//	POST   /uploads?path=<target>          -> 201 {"session_id": "..."}
//	PUT    /uploads/{id}/parts/{index}     -> 200, ETag: "<xxhash64 hex>"
//	POST   /uploads/{id}/complete          -> 200 {"location": "..."}
//	DELETE /uploads/{id}                   -> 204
//	PUT    /objects?path=<target>          -> 200 {"location": "..."}
package gateway

// Error codes carried in ErrorResponse.Code.
const (
	CodeNoSuchUpload   = "NoSuchUpload"
	CodeInvalidPart    = "InvalidPart"
	CodeInvalidRequest = "InvalidRequest"
	CodeInvalidPath    = "InvalidPath"
	CodeInternal       = "InternalError"
	CodeNoSpace        = "InsufficientStorage"
)

// CreateResponse is the body of a successful POST /uploads.
type CreateResponse struct {
	SessionID string `json:"session_id"`
}

// CompletePart names one uploaded part and the ETag it was acknowledged with.
type CompletePart struct {
	Index int    `json:"index"`
	Token string `json:"token"`
}

// CompleteRequest is the body of POST /uploads/{id}/complete.
// Parts must be sorted by index, strictly ascending.
type CompleteRequest struct {
	Parts []CompletePart `json:"parts"`
}

// LocationResponse is the body of a successful complete or direct upload.
type LocationResponse struct {
	Location string `json:"location"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
