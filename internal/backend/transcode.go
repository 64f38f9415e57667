package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Source is the input of one encode: a local file path, or a stream.
type Source struct {
	Path string
	Body io.ReadCloser
}

// Opener obtains the source of a song. It is backend specific.
type Opener func(ctx context.Context, songID string) (Source, error)

// Transcoder converts a source into the output format, writing produced
// bytes to dst as they become available. It must return when ctx is done.
type Transcoder interface {
	Transcode(ctx context.Context, src Source, dst io.Writer) error
}

// muxers maps an output format to the ffmpeg muxer able to write it to a pipe
var muxers = map[string]string{
	"mp3":  "mp3",
	"ogg":  "ogg",
	"opus": "ogg",
	"flac": "flac",
	"aac":  "adts",
	"wav":  "wav",
}

// FFmpeg transcodes through an ffmpeg child process.
type FFmpeg struct {
	Binary  string
	Codec   string
	Bitrate string
	Format  string
}

// Args builds the ffmpeg command line for src
func (f FFmpeg) Args(src Source) []string {
	input := "pipe:0"
	if src.Path != "" {
		input = src.Path
	}

	muxer, ok := muxers[strings.ToLower(f.Format)]
	if !ok {
		muxer = f.Format
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	if src.Path != "" {
		args = append(args, "-nostdin")
	}
	args = append(args, "-i", input, "-vn", "-map_metadata", "-1")
	if f.Codec != "" {
		args = append(args, "-c:a", f.Codec)
	}
	if f.Bitrate != "" {
		args = append(args, "-b:a", f.Bitrate)
	}
	return append(args, "-f", muxer, "pipe:1")
}

func (f FFmpeg) Transcode(ctx context.Context, src Source, dst io.Writer) error {
	binary := f.Binary
	if binary == "" {
		binary = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, binary, f.Args(src)...)
	if src.Path == "" {
		cmd.Stdin = src.Body
	}
	cmd.Stdout = dst

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg failed: %w\nDetails: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Passthrough copies the source unchanged. It serves sources that are
// already in the output format, and tests.
type Passthrough struct{}

func (Passthrough) Transcode(ctx context.Context, src Source, dst io.Writer) error {
	r := io.Reader(src.Body)
	if src.Path != "" {
		f, err := os.Open(src.Path)
		if err != nil {
			return fmt.Errorf("open source: %w", err)
		}
		defer f.Close()
		r = f
	}
	if r == nil {
		return fmt.Errorf("empty source")
	}

	_, err := io.Copy(dst, ctxReader{ctx: ctx, r: r})
	return err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
