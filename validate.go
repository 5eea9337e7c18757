package chatsync

import (
	"errors"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
)

// DefaultMaxImageBytes is the largest profile image accepted for upload.
const DefaultMaxImageBytes = 5 * 1024 * 1024

var validate = validator.New(validator.WithRequiredStructEnabled())

// checkStruct validates v against its struct tags and reports the first
// failing field as a ValidationError wrapping sentinel.
func checkStruct(v any, sentinel error) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{Field: fe.Field(), Reason: fe.Tag(), Err: sentinel}
	}
	return &ValidationError{Err: sentinel}
}

// normalizeCredentials trims both fields and rejects blanks.
func normalizeCredentials(username, password string) (Credentials, error) {
	c := Credentials{
		Username: strings.TrimSpace(username),
		Password: strings.TrimSpace(password),
	}
	if err := checkStruct(c, ErrEmptyCredentials); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

// imageUpload is the local upload policy applied before any bytes leave the
// process.
type imageUpload struct {
	Filename string `validate:"required"`
	MimeType string `validate:"required,startswith=image/"`
	Size     int    `validate:"gt=0"`
}

// checkImage sniffs data and enforces the image type and size policy. It
// returns the detected MIME type.
func checkImage(filename string, data []byte, maxBytes int64) (string, error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return "", &ValidationError{Field: "Size", Reason: "max", Err: ErrImageTooLarge}
	}
	mt := mimetype.Detect(data).String()
	if i := strings.IndexByte(mt, ';'); i > 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if err := checkStruct(imageUpload{Filename: filename, MimeType: mt, Size: len(data)}, ErrNotImage); err != nil {
		return "", err
	}
	return mt, nil
}
