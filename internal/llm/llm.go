// Package llm implements the inbound pipeline's image/document
// summarizers and voice transcriber against the OpenAI Responses and
// Audio APIs.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbkchat/convhub/internal/audioconv"
	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	rs "github.com/openai/openai-go/v2/responses"
)

const imagePrompt = `Ты — эксперт по зрительному пониманию. Твоя задача — генерировать точные и лаконичные русскоязычные описания изображений из входных данных.
Правила:
- Не выдумывай фактов, которых нельзя надёжно увидеть.
- Если не уверен, используй «возможно»/«неопределимо».
- Если на изображении есть текст — извлеки его без интерпретаций.
- Будь конкретен: количества, относительные позиции, ключевые цвета, тип освещения, ракурс.
- Пиши по-русски, просто и естественно.`

const documentPrompt = `Ты — эксперт по сжатому изложению документов. Твоя задача — внимательно прочитать весь документ и выдать краткое описание на русском языке.

Цель ответа: 3-4 абзаца связного текста (без пунктов/списков), передающих суть документа.

Если текст нечитаем/пуст/сильно повреждён — верни: «Документ недоступен для осмысленного суммирования.»`

// DocumentConverter turns a non-PDF document into PDF bytes ahead of the
// summarization call. DOCX->HTML->PDF / XLSX->HTML->PDF conversion is an
// external collaborator this package depends on but does not implement.
type DocumentConverter interface {
	ConvertToPDF(ctx context.Context, raw []byte, ext string) ([]byte, error)
}

// Client summarizes images and documents and transcribes voice messages
// for the inbound enrichment pipeline.
type Client struct {
	sdk        sdk.Client
	model      string
	transcribeModel string
	httpClient *http.Client
	converter  DocumentConverter
}

// New builds a Client bound to apiKey. model drives the Responses calls
// (image/document summarization); transcribeModel drives the Audio
// Transcriptions call. converter may be nil, in which case only PDF
// documents can be summarized.
func New(apiKey, model, transcribeModel string, converter DocumentConverter) *Client {
	return &Client{
		sdk:             sdk.NewClient(option.WithAPIKey(apiKey)),
		model:           model,
		transcribeModel: transcribeModel,
		httpClient:      &http.Client{Timeout: 60 * time.Second},
		converter:       converter,
	}
}

// SummarizeImageURL implements inbound.ImageSummarizer.
func (c *Client) SummarizeImageURL(ctx context.Context, url string) (string, error) {
	part := rs.ResponseInputContentParamOfInputImage(rs.ResponseInputImageDetailAuto)
	part.OfInputImage.ImageURL = sdk.String(url)

	params := rs.ResponseNewParams{
		Model:        rs.ResponsesModel(c.model),
		Instructions: sdk.String(imagePrompt),
	}
	params.Input.OfInputItemList = rs.ResponseInputParam{
		rs.ResponseInputItemUnionParam{OfInputMessage: &rs.ResponseInputItemMessageParam{
			Role:    "user",
			Content: rs.ResponseInputMessageContentListParam{part},
		}},
	}

	resp, err := c.sdk.Responses.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("llm: summarize image: %w", err)
	}
	return resp.OutputText(), nil
}

// SummarizeDocumentURL implements inbound.DocumentSummarizer. Non-PDF
// documents are routed through the injected DocumentConverter; if none is
// configured, non-PDF URLs return an error rather than silently skipping
// the conversion step.
func (c *Client) SummarizeDocumentURL(ctx context.Context, url string) (string, error) {
	raw, ext, err := c.download(ctx, url)
	if err != nil {
		return "", fmt.Errorf("llm: download document: %w", err)
	}

	pdf := raw
	if ext != ".pdf" {
		if c.converter == nil {
			return "", fmt.Errorf("llm: no converter configured for document extension %q", ext)
		}
		pdf, err = c.converter.ConvertToPDF(ctx, raw, ext)
		if err != nil {
			return "", fmt.Errorf("llm: convert document to pdf: %w", err)
		}
	}

	part := rs.ResponseInputContentUnionParam{OfInputFile: &rs.ResponseInputFileParam{}}
	part.OfInputFile.Filename = sdk.String(fileNameFromURL(url))
	part.OfInputFile.FileData = sdk.String("data:application/pdf;base64," + base64.StdEncoding.EncodeToString(pdf))

	params := rs.ResponseNewParams{
		Model:        rs.ResponsesModel(c.model),
		Instructions: sdk.String(documentPrompt),
	}
	params.Input.OfInputItemList = rs.ResponseInputParam{
		rs.ResponseInputItemUnionParam{OfInputMessage: &rs.ResponseInputItemMessageParam{
			Role:    "user",
			Content: rs.ResponseInputMessageContentListParam{part},
		}},
	}

	resp, err := c.sdk.Responses.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("llm: summarize document: %w", err)
	}
	return resp.OutputText(), nil
}

// TranscribeURL implements inbound.Transcriber: downloads the audio and
// hands it to the Audio Transcriptions endpoint with language pinned to
// Russian.
func (c *Client) TranscribeURL(ctx context.Context, url string) (string, error) {
	raw, ext, err := c.download(ctx, url)
	if err != nil {
		return "", fmt.Errorf("llm: download audio: %w", err)
	}
	if ext == "" {
		ext = ".ogg"
	}
	if norm, changed, normErr := audioconv.Normalize(raw); normErr == nil && changed {
		raw = norm
		ext = ".wav"
	}

	tr, err := c.sdk.Audio.Transcriptions.New(ctx, sdk.AudioTranscriptionNewParams{
		Model:    sdk.AudioModel(c.transcribeModel),
		File:     sdk.File(bytes.NewReader(raw), "voice"+ext, "application/octet-stream"),
		Language: sdk.String("ru"),
	})
	if err != nil {
		return "", fmt.Errorf("llm: transcribe error: %w", err)
	}
	return strings.TrimSpace(tr.Text), nil
}

func (c *Client) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return raw, extFromURL(url), nil
}

func extFromURL(url string) string {
	i := strings.LastIndex(url, ".")
	if i == -1 || i < strings.LastIndex(url, "/") {
		return ""
	}
	ext := strings.ToLower(url[i:])
	if j := strings.IndexAny(ext, "?#"); j != -1 {
		ext = ext[:j]
	}
	return ext
}

func fileNameFromURL(url string) string {
	i := strings.LastIndex(url, "/")
	if i == -1 {
		return "document"
	}
	name := url[i+1:]
	if j := strings.IndexAny(name, "?#"); j != -1 {
		name = name[:j]
	}
	if name == "" {
		return "document"
	}
	return name
}
