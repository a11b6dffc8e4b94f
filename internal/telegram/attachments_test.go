package telegram

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n rest of file")

func TestClassifyDocumentMagicBytesWin(t *testing.T) {
	// A PNG renamed to .txt with a text MIME type is still an image.
	att, err := ClassifyDocument("notes.txt", "text/plain", pngHeader)
	if err != nil {
		t.Fatal(err)
	}
	if att.MediaType != "image/png" || att.Block.Type != "image" {
		t.Errorf("att = %+v", att)
	}
	if att.Block.Source.Type != "base64" {
		t.Errorf("source type = %q", att.Block.Source.Type)
	}
}

func TestClassifyDocumentImageMIME(t *testing.T) {
	// Declared image MIME without a recognizable signature still
	// produces an image block.
	att, err := ClassifyDocument("pic.heic", "image/heic", []byte{0x00, 0x01, 0x02, 0xff})
	if err != nil {
		t.Fatal(err)
	}
	if att.MediaType != "image/heic" || att.Block.Type != "image" {
		t.Errorf("att = %+v", att)
	}
}

func TestClassifyDocumentPDF(t *testing.T) {
	att, err := ClassifyDocument("report.pdf", "application/pdf", []byte("%PDF-1.7 content"))
	if err != nil {
		t.Fatal(err)
	}
	if att.Block.Type != "document" || att.MediaType != "application/pdf" {
		t.Errorf("att = %+v", att)
	}
	if att.Block.Title != "report.pdf" {
		t.Errorf("title = %q", att.Block.Title)
	}

	// Magic bytes identify a PDF even with a generic MIME type.
	att, err = ClassifyDocument("download", "application/octet-stream", []byte("%PDF-1.4"))
	if err != nil {
		t.Fatal(err)
	}
	if att.MediaType != "application/pdf" {
		t.Errorf("media = %q", att.MediaType)
	}
}

func TestClassifyDocumentTextByExtension(t *testing.T) {
	att, err := ClassifyDocument("main.go", "application/octet-stream", []byte("package main"))
	if err != nil {
		t.Fatal(err)
	}
	if att.Block.Type != "document" || att.Block.Source.Type != "text" {
		t.Errorf("att block = %+v", att.Block)
	}
	if att.Block.Source.Data != "package main" {
		t.Errorf("data = %q", att.Block.Source.Data)
	}
}

func TestClassifyDocumentUTF8Fallback(t *testing.T) {
	// Unknown extension and MIME, but valid UTF-8: treat as plain text.
	att, err := ClassifyDocument("weird.xyz", "", []byte("readable content"))
	if err != nil {
		t.Fatal(err)
	}
	if att.MediaType != "text/plain" {
		t.Errorf("media = %q", att.MediaType)
	}
}

func TestClassifyDocumentUnsupported(t *testing.T) {
	binary := []byte{0x00, 0x01, 0xfe, 0xff, 0x80, 0x81}
	_, err := ClassifyDocument("archive.zip", "application/zip", binary)
	var unsupported *UnsupportedAttachmentError
	if !errors.As(err, &unsupported) {
		t.Fatalf("err = %v, want UnsupportedAttachmentError", err)
	}
	if !strings.Contains(unsupported.Error(), ".zip") {
		t.Errorf("message = %q", unsupported.Error())
	}
}

func TestDetectImageMediaType(t *testing.T) {
	tests := []struct {
		data []byte
		want string
	}{
		{[]byte("\xff\xd8\xffsomething"), "image/jpeg"},
		{[]byte("GIF89a..."), "image/gif"},
		{[]byte("RIFFxxxxWEBP"), "image/webp"},
		{[]byte("plain text"), ""},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := detectImageMediaType(tt.data); got != tt.want {
			t.Errorf("detectImageMediaType(%q) = %q, want %q", tt.data, got, tt.want)
		}
	}
}

func TestFileExtension(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"main.go", "go"},
		{"archive.tar.GZ", "gz"},
		{"noext", ""},
		{"UPPER.MD", "md"},
	}
	for _, tt := range tests {
		if got := fileExtension(tt.in); got != tt.want {
			t.Errorf("fileExtension(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func albumMessage(groupID string, messageID int) *telego.Message {
	return &telego.Message{
		MessageID:    messageID,
		MediaGroupID: groupID,
	}
}

func TestMediaGroupCollector(t *testing.T) {
	var mu sync.Mutex
	var delivered [][]*telego.Message
	c := NewMediaGroupCollector(30*time.Millisecond, func(msgs []*telego.Message) {
		mu.Lock()
		delivered = append(delivered, msgs)
		mu.Unlock()
	})

	if c.Add(&telego.Message{MessageID: 1}) {
		t.Error("non-album message should not be collected")
	}

	if !c.Add(albumMessage("g1", 1)) || !c.Add(albumMessage("g1", 2)) {
		t.Fatal("album members should be collected")
	}
	c.Add(albumMessage("g2", 3))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(delivered)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d groups, want 2", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	sizes := map[int]bool{}
	for _, group := range delivered {
		sizes[len(group)] = true
	}
	if !sizes[2] || !sizes[1] {
		t.Errorf("group sizes wrong: %+v", delivered)
	}
}

func TestMediaGroupCollectorSettleResets(t *testing.T) {
	var mu sync.Mutex
	var delivered [][]*telego.Message
	c := NewMediaGroupCollector(50*time.Millisecond, func(msgs []*telego.Message) {
		mu.Lock()
		delivered = append(delivered, msgs)
		mu.Unlock()
	})

	// Arrivals spaced under the settle window stay in one group.
	c.Add(albumMessage("g1", 1))
	time.Sleep(20 * time.Millisecond)
	c.Add(albumMessage("g1", 2))
	time.Sleep(20 * time.Millisecond)
	c.Add(albumMessage("g1", 3))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(delivered)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("album never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || len(delivered[0]) != 3 {
		t.Errorf("delivered = %+v, want one group of 3", delivered)
	}
}
