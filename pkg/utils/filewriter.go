package utils

import (
	"bufio"
	"os"
)

type Writer interface {
	Write(p []byte) (n int, err error)
	Flush() error
}

// FileManager abstracts file output so mailbox exports can be tested
// without touching the real filesystem.
type FileManager interface {
	Close() error
	Create(name string) (Writer, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
}

type OSFileManager struct {
	Outfile *os.File
	Writer  Writer
}

func (osfm OSFileManager) Create(name string) (Writer, error) {
	var err error
	osfm.Outfile, err = os.Create(name)
	if err != nil {
		return nil, err
	}
	osfm.Writer = bufio.NewWriter(osfm.Outfile)
	return osfm.Writer, nil
}

func (osfm OSFileManager) Close() error {
	if err := osfm.Writer.Flush(); err != nil {
		return err
	}
	if err := osfm.Outfile.Close(); err != nil {
		return err
	}

	return nil
}

func (osfm OSFileManager) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (osfm OSFileManager) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}
