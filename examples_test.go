package ftpcluster_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gonzalop/ftpcluster"
)

// ExampleDial demonstrates connecting anonymously and downloading a file.
func ExampleDial() {
	ctx := context.Background()
	conn, err := ftpcluster.Dial(ctx, ftpcluster.Config{Host: "ftp.example.com"})
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = conn.Quit(ctx) }()

	var buf bytes.Buffer
	n, err := conn.Retrieve(ctx, "README", &buf)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("downloaded %d bytes\n", n)
}

// ExampleNewConn demonstrates the two-step lifecycle and watching the
// connection's lifetime.
func ExampleNewConn() {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	conn, err := ftpcluster.NewConn(
		ftpcluster.Config{Host: "ftp.example.com", User: "bob", Pass: "secret"},
		ftpcluster.WithTimeout(10*time.Second),
		ftpcluster.WithIdleTimeout(time.Minute),
		ftpcluster.WithLogger(logger),
	)
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		<-conn.Lifetime().Done()
		if err := conn.Lifetime().Err(); err != nil {
			log.Printf("connection lost: %v", err)
		}
	}()

	if err := conn.Connect(ctx); err != nil {
		var ae *ftpcluster.AuthError
		if errors.As(err, &ae) {
			log.Fatalf("bad credentials for %s", ae.User)
		}
		log.Fatal(err)
	}
	defer func() { _ = conn.Quit(ctx) }()

	dir, err := conn.CurrentDir(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("working directory:", dir)
}

// ExampleConn_Chunks demonstrates streaming a download.
func ExampleConn_Chunks() {
	ctx := context.Background()
	conn, err := ftpcluster.Dial(ctx, ftpcluster.Config{Host: "ftp.example.com"})
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = conn.Quit(ctx) }()

	var total int
	for chunk, err := range conn.Chunks(ctx, "big.iso", 64*1024) {
		if err != nil {
			log.Fatal(err)
		}
		total += len(chunk)
	}
	fmt.Println("bytes:", total)
}

// ExampleNew demonstrates downloading several files in parallel.
func ExampleNew() {
	ctx := context.Background()
	cl, err := ftpcluster.New(ctx, ftpcluster.Config{Host: "ftp.example.com"}, 3,
		ftpcluster.WithReplaceFailed(ftpcluster.DefaultRetryConfig()),
		ftpcluster.WithSharedBandwidthLimit(10*1024*1024),
		ftpcluster.WithRequireAll(),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = cl.Shutdown(ctx) }()

	for _, name := range []string{"a.iso", "b.iso", "c.iso", "d.iso"} {
		f, err := os.Create(name)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()

		if _, err := cl.Submit(name, ftpcluster.Download(name, f)); err != nil {
			log.Fatal(err)
		}
	}

	if err := cl.Wait(ctx); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%+v\n", cl.Stats())
}

// ExampleCluster_Submit demonstrates a custom operation.
func ExampleCluster_Submit() {
	ctx := context.Background()
	cl, err := ftpcluster.New(ctx, ftpcluster.Config{Host: "ftp.example.com"}, 2)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = cl.Shutdown(ctx) }()

	u, err := cl.Submit("size", func(ctx context.Context, c *ftpcluster.Conn) (ftpcluster.Result, error) {
		n, err := c.Size(ctx, "big.iso")
		return ftpcluster.Result{Bytes: n}, err
	})
	if err != nil {
		log.Fatal(err)
	}

	res, err := u.Wait(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("size:", res.Bytes)
}
