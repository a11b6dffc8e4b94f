package telegram

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/disintegration/imaging"
	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/clawbridge/internal/claudecli"
)

const (
	// attachmentMaxBytes is the Telegram Bot API download ceiling.
	attachmentMaxBytes int64 = 20 * 1024 * 1024

	// downloadMaxRetries bounds GetFile retries with linear backoff.
	downloadMaxRetries = 3

	// maxImageDimension caps re-encoded photo edges for the agent's
	// vision input.
	maxImageDimension = 1568
)

// imageSignatures maps magic-byte prefixes to media types. Checked
// before MIME because Telegram clients lie about document types.
var imageSignatures = []struct {
	prefix []byte
	media  string
}{
	{[]byte("\x89PNG\r\n\x1a\n"), "image/png"},
	{[]byte("\xff\xd8\xff"), "image/jpeg"},
	{[]byte("GIF87a"), "image/gif"},
	{[]byte("GIF89a"), "image/gif"},
	{[]byte("RIFF"), "image/webp"},
}

// textExtensions lists extensions treated as source or plain text
// regardless of the document's declared MIME type.
var textExtensions = map[string]bool{
	"py": true, "js": true, "ts": true, "jsx": true, "tsx": true,
	"java": true, "cpp": true, "c": true, "h": true, "hpp": true,
	"cs": true, "go": true, "rs": true, "rb": true, "php": true,
	"swift": true, "kt": true, "scala": true, "r": true, "jl": true,
	"lua": true, "pl": true, "sh": true, "bash": true, "zsh": true,
	"fish": true, "ps1": true, "bat": true, "cmd": true,
	"md": true, "txt": true, "rst": true, "adoc": true,
	"json": true, "yml": true, "yaml": true, "toml": true, "xml": true,
	"ini": true, "cfg": true, "conf": true, "env": true,
	"html": true, "css": true, "scss": true, "sass": true, "less": true,
	"vue": true, "svelte": true, "csv": true, "tsv": true, "log": true,
	"sql": true, "dockerfile": true, "makefile": true, "cmake": true,
	"lock": true, "gitignore": true, "gitattributes": true, "editorconfig": true,
}

// UnsupportedAttachmentError marks a binary document the bridge cannot
// turn into an agent content block. The message is user-facing.
type UnsupportedAttachmentError struct {
	Filename string
	MIME     string
}

func (e *UnsupportedAttachmentError) Error() string {
	ext := "unknown"
	if i := strings.LastIndexByte(e.Filename, '.'); i >= 0 {
		ext = e.Filename[i+1:]
	}
	return fmt.Sprintf("can't process .%s files. Try sending as PDF or pasting the content as text", ext)
}

func detectImageMediaType(data []byte) string {
	for _, sig := range imageSignatures {
		if bytes.HasPrefix(data, sig.prefix) {
			return sig.media
		}
	}
	return ""
}

func fileExtension(filename string) string {
	i := strings.LastIndexByte(filename, '.')
	if i < 0 {
		return ""
	}
	return strings.ToLower(filename[i+1:])
}

// AttachmentProcessor turns Telegram photos and documents into agent
// content blocks. Fetch is injected so classification stays testable
// without a live bot.
type AttachmentProcessor struct {
	Fetch func(ctx context.Context, fileID string) ([]byte, error)
}

// NewAttachmentProcessor wires the processor to a bot's file download
// path.
func NewAttachmentProcessor(bot *telego.Bot, token string) *AttachmentProcessor {
	return &AttachmentProcessor{
		Fetch: func(ctx context.Context, fileID string) ([]byte, error) {
			return downloadTelegramFile(ctx, bot, token, fileID, attachmentMaxBytes)
		},
	}
}

// Process converts a message's photo or document into an attachment.
func (p *AttachmentProcessor) Process(ctx context.Context, msg *telego.Message) (claudecli.Attachment, error) {
	if len(msg.Photo) > 0 {
		return p.processPhoto(ctx, msg)
	}
	if msg.Document != nil {
		return p.processDocument(ctx, msg)
	}
	return claudecli.Attachment{}, fmt.Errorf("message contains no photo or document")
}

// processPhoto downloads the largest photo size and re-encodes it for
// the agent's vision input.
func (p *AttachmentProcessor) processPhoto(ctx context.Context, msg *telego.Message) (claudecli.Attachment, error) {
	// Photo sizes arrive smallest to largest.
	size := msg.Photo[len(msg.Photo)-1]
	data, err := p.Fetch(ctx, size.FileID)
	if err != nil {
		return claudecli.Attachment{}, fmt.Errorf("download photo: %w", err)
	}

	data, mediaType := sanitizeImage(data)
	filename := "photo." + strings.TrimPrefix(mediaType, "image/")

	return claudecli.Attachment{
		Block:     claudecli.ImageBlock(mediaType, base64.StdEncoding.EncodeToString(data)),
		Filename:  filename,
		SizeBytes: int64(len(data)),
		MediaType: mediaType,
	}, nil
}

func (p *AttachmentProcessor) processDocument(ctx context.Context, msg *telego.Message) (claudecli.Attachment, error) {
	doc := msg.Document
	filename := doc.FileName
	if filename == "" {
		filename = "document"
	}

	data, err := p.Fetch(ctx, doc.FileID)
	if err != nil {
		return claudecli.Attachment{}, fmt.Errorf("download document %q: %w", filename, err)
	}
	return ClassifyDocument(filename, doc.MimeType, data)
}

// ClassifyDocument decides what kind of content block a downloaded
// document becomes. Magic bytes win over the declared MIME type, then
// PDF, then text by MIME or extension, then a UTF-8 last resort.
func ClassifyDocument(filename, mimeType string, data []byte) (claudecli.Attachment, error) {
	if media := detectImageMediaType(data); media != "" {
		return claudecli.Attachment{
			Block:     claudecli.ImageBlock(media, base64.StdEncoding.EncodeToString(data)),
			Filename:  filename,
			SizeBytes: int64(len(data)),
			MediaType: media,
		}, nil
	}

	if strings.HasPrefix(mimeType, "image/") {
		return claudecli.Attachment{
			Block:     claudecli.ImageBlock(mimeType, base64.StdEncoding.EncodeToString(data)),
			Filename:  filename,
			SizeBytes: int64(len(data)),
			MediaType: mimeType,
		}, nil
	}

	if mimeType == "application/pdf" || bytes.HasPrefix(data, []byte("%PDF-")) {
		return claudecli.Attachment{
			Block:     claudecli.PDFBlock(filename, base64.StdEncoding.EncodeToString(data)),
			Filename:  filename,
			SizeBytes: int64(len(data)),
			MediaType: "application/pdf",
		}, nil
	}

	isTextMIME := strings.HasPrefix(mimeType, "text/") || mimeType == "application/json"
	isTextExt := textExtensions[fileExtension(filename)]
	if isTextMIME || isTextExt || utf8.Valid(data) {
		media := mimeType
		if media == "" || (!isTextMIME && !isTextExt) {
			media = "text/plain"
		}
		return claudecli.Attachment{
			Block:     claudecli.TextDocumentBlock(filename, string(data)),
			Filename:  filename,
			SizeBytes: int64(len(data)),
			MediaType: media,
		}, nil
	}

	return claudecli.Attachment{}, &UnsupportedAttachmentError{Filename: filename, MIME: mimeType}
}

// sanitizeImage re-encodes a photo, downscaling oversized edges. A
// decode failure falls back to the raw bytes.
func sanitizeImage(data []byte) ([]byte, string) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		media := detectImageMediaType(data)
		if media == "" {
			media = "image/jpeg"
		}
		return data, media
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxImageDimension || bounds.Dy() > maxImageDimension {
		img = imaging.Fit(img, maxImageDimension, maxImageDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return data, "image/jpeg"
	}
	return buf.Bytes(), "image/jpeg"
}

// downloadTelegramFile fetches a file's bytes by file_id with retry.
func downloadTelegramFile(ctx context.Context, bot *telego.Bot, token, fileID string, maxBytes int64) ([]byte, error) {
	var file *telego.File
	var err error
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > maxBytes {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxBytes)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	// Spool through a temp file so a partial download never reaches
	// the classifier. Files are removed here on success and by the
	// maintenance sweep if the process dies mid-download.
	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	tmp, err := os.CreateTemp("", "clawbridge_*"+ext)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	written, err := io.Copy(tmp, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("save file: %w", err)
	}
	if written > maxBytes {
		return nil, fmt.Errorf("file exceeds max size during download: %d bytes", written)
	}

	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("read downloaded file: %w", err)
	}
	return data, nil
}

// MediaGroupCollector buffers album items so a multi-photo message is
// handed to the agent as one query. Telegram delivers album members as
// separate updates with a shared media_group_id; a settle timer resets
// on each arrival and fires once the album stops growing.
type MediaGroupCollector struct {
	settle  time.Duration
	deliver func(messages []*telego.Message)

	mu      sync.Mutex
	pending map[string][]*telego.Message
	timers  map[string]*time.Timer
}

// NewMediaGroupCollector builds a collector that calls deliver with
// each completed album.
func NewMediaGroupCollector(settle time.Duration, deliver func([]*telego.Message)) *MediaGroupCollector {
	if settle <= 0 {
		settle = time.Second
	}
	return &MediaGroupCollector{
		settle:  settle,
		deliver: deliver,
		pending: make(map[string][]*telego.Message),
		timers:  make(map[string]*time.Timer),
	}
}

// Add buffers an album member. It reports false for non-album messages,
// which the caller handles directly.
func (c *MediaGroupCollector) Add(msg *telego.Message) bool {
	groupID := msg.MediaGroupID
	if groupID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending[groupID] = append(c.pending[groupID], msg)
	if timer, ok := c.timers[groupID]; ok {
		timer.Stop()
	}
	c.timers[groupID] = time.AfterFunc(c.settle, func() {
		c.flush(groupID)
	})
	return true
}

func (c *MediaGroupCollector) flush(groupID string) {
	c.mu.Lock()
	messages := c.pending[groupID]
	delete(c.pending, groupID)
	delete(c.timers, groupID)
	c.mu.Unlock()

	if len(messages) > 0 {
		c.deliver(messages)
	}
}
