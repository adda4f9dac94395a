// Package ftpcluster implements an FTP client whose connections carry an
// explicit lifecycle, and a coordinator that spreads work over a pool of
// such connections to one server.
//
// # Overview
//
// The package provides:
//   - Conn, one control connection with a strict state machine
//     (unconnected, connecting, authenticating, ready, busy, closing, finished)
//   - A command pipeline that sends commands strictly in order, one at a
//     time, and pairs every reply with the command that caused it
//   - Passive data channels, EPSV first with PASV fallback
//   - Cluster, a fixed-size pool that dispatches WorkUnits to idle
//     connections and keeps going when one of them dies
//
// # Basic Usage
//
// Connect and log in (anonymously if no user is given):
//
//	conn, err := ftpcluster.Dial(ctx, ftpcluster.Config{Host: "ftp.example.com"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Quit(context.Background())
//
//	var buf bytes.Buffer
//	if _, err := conn.Retrieve(ctx, "README", &buf); err != nil {
//	    log.Fatal(err)
//	}
//
// # Connection Lifecycle
//
// Every Conn owns a Lifetime, a cell that settles exactly once when the
// connection stops for good: with a nil error after a clean Quit, or with the
// cause of an Abort. Malformed or unsolicited replies and socket failures
// abort the connection. A command the server refuses does not; it fails with
// *ReplyError and the connection stays ready.
//
// A caller whose context ends, or whose reply does not arrive within the
// WithTimeout bound, gets an error but the connection stays usable: the late
// reply is discarded before the next command is sent. Only if that late reply
// never arrives within the timeout is the connection aborted.
//
//	go func() {
//	    <-conn.Lifetime().Done()
//	    log.Printf("connection gone: %v", conn.Lifetime().Err())
//	}()
//
// # Clusters
//
// A Cluster dials a number of connections up front and runs submitted work
// on them:
//
//	cl, err := ftpcluster.New(ctx, cfg, 4,
//	    ftpcluster.WithReplaceFailed(ftpcluster.DefaultRetryConfig()),
//	    ftpcluster.WithRequireAll(),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cl.Shutdown(context.Background())
//
//	for _, name := range names {
//	    f, _ := os.Create(name)
//	    defer f.Close()
//	    cl.Submit(name, ftpcluster.Download(name, f))
//	}
//	if err := cl.Wait(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Each connection runs one unit at a time. Units wait in submission order and
// go to the first idle connection. When a connection dies only the unit it was
// running fails; the connection leaves the pool and, with WithReplaceFailed,
// a new one is dialed in its place.
//
// # Error Handling
//
// Errors are typed so callers can tell them apart with errors.As:
//
//	var re *ftpcluster.ReplyError
//	if errors.As(err, &re) && re.IsTemporary() {
//	    // 4xx, worth retrying
//	}
//
// *ConnectError and *AuthError come from Connect, *ProtocolError from a
// server that broke the protocol, *DataChannelError from a failed transfer
// socket and *NotReadyError from calling an operation in the wrong state.
//
// # Logging and Metrics
//
// Pass a *slog.Logger with WithLogger or WithClusterLogger to see commands,
// replies and state changes at debug level. Counters and timers are reported
// through github.com/armon/go-metrics to whatever global sink the
// application installs.
package ftpcluster
