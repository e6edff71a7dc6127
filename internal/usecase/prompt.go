package usecase

import (
	"encoding/base64"
	"errors"
	"strings"
	"unicode/utf8"

	"media-studio/internal/domain"
)

const (
	referencePrefix = "(Reference) "
	editedPrefix    = "Edited: "
	animatedPrefix  = "Animated: "
)

var (
	errNotDataURI   = errors.New("not a base64 data URI")
	errNotImageData = errors.New("data URI is not an image")
)

// generatedPrompt labels a prompt the way the gallery shows it.
func generatedPrompt(prompt string, withReference bool) string {
	if withReference {
		return referencePrefix + prompt
	}
	return prompt
}

func editedPrompt(prompt string) string {
	return editedPrefix + prompt
}

func animatedPrompt(prompt string) string {
	return animatedPrefix + prompt
}

func promptTooLong(prompt string, max int) bool {
	return utf8.RuneCountInString(prompt) > max
}

// dataURI renders a blob as a displayable data: URI.
func dataURI(b domain.Blob) string {
	return "data:" + b.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(b.Data)
}

// parseDataURI decodes data:<mime>;base64,<payload>.
func parseDataURI(uri string) (domain.Blob, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(uri), "data:")
	if !ok {
		return domain.Blob{}, errNotDataURI
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return domain.Blob{}, errNotDataURI
	}
	mime, ok := strings.CutSuffix(header, ";base64")
	if !ok {
		return domain.Blob{}, errNotDataURI
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return domain.Blob{}, err
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	return domain.Blob{MIMEType: mime, Data: data}, nil
}

// parseImageDataURI is parseDataURI restricted to image/* payloads.
func parseImageDataURI(uri string) (domain.Blob, error) {
	b, err := parseDataURI(uri)
	if err != nil {
		return domain.Blob{}, err
	}
	if !strings.HasPrefix(b.MIMEType, "image/") {
		return domain.Blob{}, errNotImageData
	}
	if len(b.Data) == 0 {
		return domain.Blob{}, errNotImageData
	}
	return b, nil
}
