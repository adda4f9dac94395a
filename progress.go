package ftpcluster

import "io"

// ProgressFunc receives the running byte count of a transfer. verb is the
// transfer command (RETR, STOR, APPE, NLST) and path its argument.
type ProgressFunc func(verb, path string, bytesTransferred int64)

// progressReader wraps an io.Reader and reports progress via a callback.
type progressReader struct {
	r     io.Reader
	total int64
	fn    func(int64)
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	pr.total += int64(n)
	if pr.fn != nil && n > 0 {
		pr.fn(pr.total)
	}
	return n, err
}

// progressWriter wraps an io.Writer and reports progress via a callback.
type progressWriter struct {
	w     io.Writer
	total int64
	fn    func(int64)
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.total += int64(n)
	if pw.fn != nil && n > 0 {
		pw.fn(pw.total)
	}
	return n, err
}
