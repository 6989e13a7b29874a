package sense

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/scientisst/gosense/scientisst"
	"github.com/sirupsen/logrus"
)

// FileWriter saves frames as tab separated text. The file starts with the
// metadata as a JSON comment line and a comment line with the column names.
type FileWriter struct {
	path string
	meta Metadata
	log  *logrus.Logger

	f   io.WriteCloser
	w   *bufio.Writer
	err error
}

func NewFileWriter(path string, meta Metadata, log *logrus.Logger) *FileWriter {
	return &FileWriter{path: path, meta: meta, log: log}
}

func (fw *FileWriter) OnInit() error {
	f, err := os.Create(fw.path)
	if err != nil {
		return err
	}
	fw.f = f
	fw.w = bufio.NewWriter(f)
	fw.log.Infof("Saving data to %v", fw.path)
	return nil
}

func (fw *FileWriter) OnStart() error {
	return writeHeader(fw.w, fw.meta)
}

func writeHeader(w io.Writer, meta Metadata) error {
	md, err := json.Marshal(meta.Map())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "#%s\n#%s\n", md, strings.Join(meta.Header(), "\t"))
	return err
}

func (fw *FileWriter) OnRead(frames []scientisst.Frame) {
	if fw.err != nil {
		return
	}
	for _, f := range frames {
		if _, err := fw.w.WriteString(f.String() + "\n"); err != nil {
			fw.err = err
			fw.log.Errorf("Writing %v failed, dropping further frames: %v", fw.path, err)
			return
		}
	}
}

func (fw *FileWriter) OnStop() error {
	err := fw.w.Flush()
	if cerr := fw.f.Close(); err == nil {
		err = cerr
	}
	if fw.err != nil {
		return fw.err
	}
	return err
}

// Printer writes the first frame of every batch to w, as a live view. The
// column names are highlighted when w is a terminal.
type Printer struct {
	w      io.Writer
	meta   Metadata
	header *color.Color
}

func NewPrinter(w io.Writer, meta Metadata) *Printer {
	return &Printer{w: w, meta: meta, header: color.New(color.FgHiCyan)}
}

func (p *Printer) OnInit() error { return nil }

func (p *Printer) OnStart() error {
	_, err := p.header.Fprintln(p.w, strings.Join(p.meta.Header(), "\t"))
	return err
}

func (p *Printer) OnRead(frames []scientisst.Frame) {
	fmt.Fprintln(p.w, frames[0].String())
}

func (p *Printer) OnStop() error { return nil }
