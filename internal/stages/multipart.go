package stages

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ternarybob/integrator/internal/models"
)

// encodeMultipart builds the request body. It is called once per attempt so
// a retried request never reuses a consumed reader.
func encodeMultipart(payload *models.StagePayload) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if payload != nil {
		// Stable field order keeps request bodies reproducible
		keys := make([]string, 0, len(payload.Fields))
		for key := range payload.Fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			if err := writer.WriteField(key, payload.Fields[key]); err != nil {
				return nil, "", fmt.Errorf("field %s: %w", key, err)
			}
		}

		for _, file := range payload.Files {
			if err := writeFilePart(writer, file); err != nil {
				return nil, "", err
			}
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return &buf, writer.FormDataContentType(), nil
}

func writeFilePart(writer *multipart.Writer, file models.FormFile) error {
	name := file.Name
	if name == "" {
		name = filepath.Base(file.Path)
	}
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, escapeQuotes(file.Field), escapeQuotes(name)))
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("file %s: %w", name, err)
	}

	if file.Path == "" {
		_, err = part.Write(file.Data)
		return err
	}

	f, err := os.Open(file.Path)
	if err != nil {
		return fmt.Errorf("file %s: %w", name, err)
	}
	defer f.Close()

	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("file %s: %w", name, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
