// Package recordings enumerates candidate audio files on disk.
package recordings

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/youpy/go-wav"

	"callsync/internal/logger"
	"callsync/internal/model"
)

const wavHeaderBytes = 44

// Scanner walks recording directories.
type Scanner struct {
	dirs []string
	log  *logger.Logger
}

func NewScanner(dirs []string, log *logger.Logger) *Scanner {
	return &Scanner{dirs: dirs, log: log.Named("recordings")}
}

// Dirs returns the watched directories.
func (s *Scanner) Dirs() []string { return append([]string(nil), s.dirs...) }

// Scan returns every audio file under the configured directories. Missing
// directories are skipped.
func (s *Scanner) Scan(ctx context.Context) ([]model.RecordingSourceFile, error) {
	var out []model.RecordingSourceFile
	for _, dir := range s.dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || !IsAudio(path) {
				return nil
			}
			f, err := Describe(path)
			if err != nil {
				s.log.Debug("skip unreadable recording", logger.String("path", path), logger.Error(err))
				return nil
			}
			out = append(out, f)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Describe stats one file into a RecordingSourceFile.
func Describe(path string) (model.RecordingSourceFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return model.RecordingSourceFile{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return model.RecordingSourceFile{}, err
	}
	return model.RecordingSourceFile{
		AbsolutePath:   abs,
		LastModifiedMs: info.ModTime().UnixMilli(),
		SizeBytes:      info.Size(),
		DurationSec:    WavDuration(abs, info.Size()),
		CallerHint:     CallerHint(filepath.Base(abs)),
	}, nil
}

// IsAudio reports whether path has a recording extension.
func IsAudio(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3", ".wav", ".m4a", ".aac", ".amr", ".3gp", ".ogg", ".opus", ".flac":
		return true
	default:
		return false
	}
}

// WavDuration returns the length in seconds of a WAV file, or 0 when the
// format carries no cheap duration.
func WavDuration(path string, size int64) int {
	if strings.ToLower(filepath.Ext(path)) != ".wav" || size <= wavHeaderBytes {
		return 0
	}
	fh, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer fh.Close()
	format, err := wav.NewReader(fh).Format()
	if err != nil || format.ByteRate == 0 {
		return 0
	}
	return int((size - wavHeaderBytes) / int64(format.ByteRate))
}

var (
	phoneRun  = regexp.MustCompile(`\+?\d[\d\- ]{6,}\d`)
	dateLike  = regexp.MustCompile(`^(19|20)\d{6}(\d{4,6})?$`)
	splitters = regexp.MustCompile(`[_\-\s\.()\[\]@]+`)
)

// CallerHint guesses who a recording is with from its file name: a phone
// number's digits when present, otherwise the lower-cased name words.
func CallerHint(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	for _, m := range phoneRun.FindAllString(base, -1) {
		digits := model.Digits(m)
		if len(digits) >= 7 && !dateLike.MatchString(digits) {
			return digits
		}
	}
	var words []string
	for _, tok := range splitters.Split(base, -1) {
		tok = strings.ToLower(tok)
		if tok == "" || strings.IndexFunc(tok, func(r rune) bool { return r >= '0' && r <= '9' }) >= 0 {
			continue
		}
		switch tok {
		case "call", "recording", "rec", "record", "voice", "audio", "incoming", "outgoing", "in", "out":
			continue
		}
		words = append(words, tok)
	}
	return strings.Join(words, " ")
}
