package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/slyntos/internal/models"
)

func TestValidateAttachments(t *testing.T) {
	tests := []struct {
		name    string
		files   []models.Attachment
		wantErr string
	}{
		{"none", nil, ""},
		{"image", []models.Attachment{{Name: "a.png", MIMEType: "image/png", Size: 10}}, ""},
		{"video audio text", []models.Attachment{
			{Name: "a.mp4", MIMEType: "video/mp4"},
			{Name: "a.ogg", MIMEType: "audio/ogg"},
			{Name: "a.csv", MIMEType: "text/csv"},
		}, ""},
		{"pdf", []models.Attachment{{Name: "a.pdf", MIMEType: "application/pdf"}}, ""},
		{"pdf without type", []models.Attachment{{Name: "Report.PDF"}}, ""},
		{"unknown without type", []models.Attachment{{Name: "blob"}}, `blob: file type "" is not supported`},
		{"zip", []models.Attachment{{Name: "a.zip", MIMEType: "application/zip"}}, `a.zip: file type "application/zip" is not supported`},
		{"declared too large", []models.Attachment{{Name: "big.png", MIMEType: "image/png", Size: 10<<20 + 1}}, "big.png: file is larger than 10 MB"},
		{"declared size understated", []models.Attachment{{Name: "big.png", MIMEType: "image/png", Size: 1, Data: strings.Repeat("A", 28<<20)}}, "big.png: file is larger than 10 MB"},
		{"exactly at limit", []models.Attachment{{Name: "ok.png", MIMEType: "image/png", Size: 10 << 20}}, ""},
		{"too many", make6(), "you can attach at most 5 files"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAttachments(tt.files, DefaultLimits)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			var attErr *AttachmentError
			require.ErrorAs(t, err, &attErr)
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func make6() []models.Attachment {
	out := make([]models.Attachment, 6)
	for i := range out {
		out[i] = models.Attachment{Name: "f.txt", MIMEType: "text/plain"}
	}
	return out
}

func TestAttachmentSize_FromData(t *testing.T) {
	assert.EqualValues(t, 5, AttachmentSize(models.Attachment{Data: "aGVsbG8="}))
	assert.EqualValues(t, 6, AttachmentSize(models.Attachment{Data: "aGVsbG8h"}))
	assert.EqualValues(t, 4, AttachmentSize(models.Attachment{Data: "aGVsbA=="}))
	assert.EqualValues(t, 42, AttachmentSize(models.Attachment{Data: "aGVsbG8=", Size: 42}))
	assert.EqualValues(t, 5, AttachmentSize(models.Attachment{Data: "aGVsbG8=", Size: 1}))

	big := models.Attachment{Name: "big.txt", MIMEType: "text/plain", Data: strings.Repeat("A", 14_000_000)}
	require.Error(t, ValidateAttachments([]models.Attachment{big}, DefaultLimits))
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, DefaultTitle, DeriveTitle("  "))
	assert.Equal(t, "Hello", DeriveTitle("Hello"))
	assert.Equal(t, "one two three four five", DeriveTitle("one  two\nthree four five"))
	assert.Equal(t, "one two three four five...", DeriveTitle("one two three four five six"))
}
