package portal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/visa-rescheduler/internal/logging"
)

// DiagnosticWriter keeps the raw body of each claim response. Writes are best
// effort; implementations log failures instead of returning them.
type DiagnosticWriter interface {
	Write(name string, contents []byte)
}

type NopDiagnostics struct{}

func (NopDiagnostics) Write(string, []byte) {}

// FilesystemOutput writes each diagnostic record as a file in a directory.
// Records with the same name overwrite each other.
type FilesystemOutput struct {
	dir string
	log logging.Logger
}

func NewFilesystemOutput(dir string, log logging.Logger) FilesystemOutput {
	if log == nil {
		log = logging.Discard()
	}
	return FilesystemOutput{dir: dir, log: log}
}

func (o FilesystemOutput) Write(name string, contents []byte) {
	path := filepath.Join(o.dir, name)
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		o.log.Error("couldn't write diagnostic file", "path", path, "err", err)
		o.log.Debug("diagnostic body", "body", string(contents))
	}
}

// claimRecordName names the record for a claim on date at slot, e.g.
// reschedule20240311-0830.html.
func claimRecordName(date, slot string) string {
	strip := strings.NewReplacer(":", "", "-", "")
	return fmt.Sprintf("reschedule%s-%s.html", strip.Replace(date), strip.Replace(slot))
}
