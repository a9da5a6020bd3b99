package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"filevora/archive"
	"filevora/models"

	"github.com/spf13/afero"
)

// GotenbergService talks to a Gotenberg instance for office and PDF work.
type GotenbergService struct {
	baseURL string
	client  *http.Client
	fs      afero.Fs
}

const pdfaConformance = "PDF/A-2b"

func NewGotenbergService(baseURL string, fs afero.Fs) *GotenbergService {
	return &GotenbergService{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 0, // Use context timeout instead
		},
		fs: fs,
	}
}

// ConvertOffice renders a document or image through LibreOffice into an
// archival PDF at outputPath.
func (g *GotenbergService) ConvertOffice(ctx context.Context, inputPath, outputPath string) error {
	return g.submit(ctx, "/forms/libreoffice/convert", []formFile{{path: inputPath}}, map[string]string{
		"pdfa": pdfaConformance,
	}, outputPath)
}

// ConvertToPDFA rewrites an existing PDF as PDF/A.
func (g *GotenbergService) ConvertToPDFA(ctx context.Context, inputPath, outputPath string) error {
	return g.submit(ctx, "/forms/pdfengines/convert", []formFile{{path: inputPath}}, map[string]string{
		"pdfa": pdfaConformance,
	}, outputPath)
}

// ConvertImages renders images through LibreOffice. More than one input is
// merged into a single PDF, one image per page, in the given order.
func (g *GotenbergService) ConvertImages(ctx context.Context, inputPaths []string, outputPath string) error {
	if len(inputPaths) == 0 {
		return models.NewError(models.KindValidation, "no image provided")
	}
	fields := map[string]string{"pdfa": pdfaConformance}
	if len(inputPaths) > 1 {
		fields["merge"] = "true"
	}
	return g.submit(ctx, "/forms/libreoffice/convert", orderedParts(inputPaths), fields, outputPath)
}

// MergePDFs concatenates inputs in the given order.
func (g *GotenbergService) MergePDFs(ctx context.Context, inputPaths []string, outputPath string) error {
	if len(inputPaths) < 2 {
		return models.NewError(models.KindValidation, "merging needs at least two PDF files")
	}
	return g.submit(ctx, "/forms/pdfengines/merge", orderedParts(inputPaths), nil, outputPath)
}

// SplitPDF writes a zip with one PDF per page of the input to outputPath.
func (g *GotenbergService) SplitPDF(ctx context.Context, inputPath, outputPath string) error {
	resp, err := g.post(ctx, "/forms/pdfengines/split", []formFile{{path: inputPath}}, map[string]string{
		"splitMode": "intervals",
		"splitSpan": "1",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Gotenberg answers with a zip, except for a single page which comes
	// back as the PDF itself.
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/pdf" {
		stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
		return archive.WriteZip(g.fs, outputPath, []archive.Entry{{Name: stem + "_1.pdf", Body: resp.Body}})
	}
	return g.save(resp.Body, outputPath)
}

// orderedParts prefixes part names with their position; Gotenberg processes
// files in alphanumeric order of their names.
func orderedParts(inputPaths []string) []formFile {
	parts := make([]formFile, 0, len(inputPaths))
	for i, p := range inputPaths {
		parts = append(parts, formFile{path: p, name: fmt.Sprintf("%04d_%s", i, filepath.Base(p))})
	}
	return parts
}

type formFile struct {
	path string
	name string
}

func (g *GotenbergService) submit(ctx context.Context, route string, parts []formFile, fields map[string]string, outputPath string) error {
	resp, err := g.post(ctx, route, parts, fields)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return g.save(resp.Body, outputPath)
}

// post sends the form and returns the response only when Gotenberg reports
// success.
func (g *GotenbergService) post(ctx context.Context, route string, parts []formFile, fields map[string]string) (*http.Response, error) {
	// Create multipart form
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for _, part := range parts {
		if err := g.addFile(writer, part); err != nil {
			return nil, err
		}
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+route, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, models.WrapError(models.KindConversionFailure, "conversion service is unavailable", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, models.WrapError(models.KindConversionFailure,
			fmt.Sprintf("conversion failed: %s", conversionMessage(bodyBytes, resp.StatusCode)),
			fmt.Errorf("gotenberg returned status %d", resp.StatusCode))
	}
	return resp, nil
}

// save writes body to outputPath. A partial file is removed on failure.
func (g *GotenbergService) save(body io.Reader, outputPath string) error {
	outFile, err := g.fs.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	if _, err := io.Copy(outFile, body); err != nil {
		_ = outFile.Close()
		_ = g.fs.Remove(outputPath)
		return fmt.Errorf("failed to save converted file: %w", err)
	}
	if err := outFile.Close(); err != nil {
		_ = g.fs.Remove(outputPath)
		return fmt.Errorf("failed to close converted file: %w", err)
	}
	return nil
}

func (g *GotenbergService) addFile(writer *multipart.Writer, part formFile) error {
	file, err := g.fs.Open(part.path)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer file.Close()

	name := part.name
	if name == "" {
		name = filepath.Base(part.path)
	}
	formPart, err := writer.CreateFormFile("files", name)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := io.Copy(formPart, file); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return nil
}

func conversionMessage(body []byte, status int) string {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return http.StatusText(status)
	}
	return msg
}
