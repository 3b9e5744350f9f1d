package media

import (
	"testing"
)

func TestObjectKey_PreservesExtension(t *testing.T) {
	tests := []struct {
		attachmentID string
		filename     string
		want         string
	}{
		{"01ARZ3NDEKTSV4RRFFQ69G5FAV", "photo.jpg", "01ARZ3NDEKTSV4RRFFQ69G5FAV.jpg"},
		{"01ARZ3NDEKTSV4RRFFQ69G5FAV", "archive.tar.gz", "01ARZ3NDEKTSV4RRFFQ69G5FAV.gz"},
		{"01ARZ3NDEKTSV4RRFFQ69G5FAV", "noext", "01ARZ3NDEKTSV4RRFFQ69G5FAV"},
	}

	for _, tc := range tests {
		if got := objectKey(tc.attachmentID, tc.filename); got != tc.want {
			t.Errorf("objectKey(%q, %q) = %q, want %q", tc.attachmentID, tc.filename, got, tc.want)
		}
	}
}

func TestPresignExpiry_Positive(t *testing.T) {
	if presignExpiry <= 0 {
		t.Error("presignExpiry must be positive")
	}
}
