package s3fs

import (
	"errors"
	"net"
	"net/http"
	"testing"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"

	"kpvault-go/internal/vfs"
)

func responseError(status int, cause error) *awshttp.ResponseError {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      cause,
		},
	}
}

func TestClassify(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

	tests := []struct {
		name string
		err  error
		want vfs.ErrorKind
	}{
		{"send failure without status", responseError(0, &smithyhttp.RequestSendError{Err: refused}), vfs.KindNetworkIO},
		{"status zero without cause", responseError(0, errors.New("no response")), vfs.KindNetworkIO},
		{"response error without response", &awshttp.ResponseError{ResponseError: &smithyhttp.ResponseError{Err: refused}}, vfs.KindNetworkIO},
		{"bare send failure", &smithyhttp.RequestSendError{Err: refused}, vfs.KindNetworkIO},
		{"net error", refused, vfs.KindNetworkIO},
		{"not found status", responseError(http.StatusNotFound, errors.New("head")), vfs.KindFileNotFound},
		{"forbidden status", responseError(http.StatusForbidden, errors.New("head")), vfs.KindAuth},
		{"server error with code", responseError(http.StatusInternalServerError, &smithy.GenericAPIError{Code: "InternalError"}), vfs.KindRemoteAPI},
		{"server error without code", responseError(http.StatusServiceUnavailable, errors.New("busy")), vfs.KindRemoteAPI},
		{"missing key code", &smithy.GenericAPIError{Code: "NoSuchKey"}, vfs.KindFileNotFound},
		{"denied code", &smithy.GenericAPIError{Code: "AccessDenied"}, vfs.KindAuth},
		{"already classified", vfs.NewError(vfs.KindSyncConflict, "moved"), vfs.KindSyncConflict},
		{"anything else", errors.New("odd"), vfs.KindGenericIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err, "stat", "/db.kdbx").Kind)
		})
	}
}
