// Command cex is the operator tool: key file and key package management,
// plus a DTM endpoint for testing exchanges over TCP or QUIC.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vtdev/cex/cex/dtm"
	"github.com/vtdev/cex/cex/kdf"
	"github.com/vtdev/cex/cex/keypackage"
	"github.com/vtdev/cex/cex/primitive"
	"github.com/vtdev/cex/cex/transport/quic"
	"github.com/vtdev/cex/cex/transport/tcp"
)

var (
	flagVerbose   bool
	flagProfile   string
	flagTransport string
	flagSecret    string
	flagName      string
	flagMaxAlloc  int64
	flagSubkeys   int
	flagPolicy    []string
	flagSendFile  string
)

func main() {
	root := &cobra.Command{
		Use:   "cex",
		Short: "CEX key management and DTM session tool",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagVerbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().StringVar(&flagProfile, "profile", "", "YAML parameter profile")

	root.AddCommand(keygenCmd(), packageCreateCmd(), packageReadCmd(), listenCmd(), connectCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadParams() (dtm.Parameters, error) {
	if flagProfile == "" {
		return dtm.DefaultParameters(), nil
	}
	return dtm.LoadProfile(flagProfile)
}

func newGenerator() (*kdf.KeyGenerator, error) {
	return kdf.NewKeyGenerator(primitive.CSPRng, primitive.Blake2b512, nil)
}

func keygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen <path>",
		Short: "Generate a cipher key file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := loadParams()
			if err != nil {
				return err
			}
			gen, err := newGenerator()
			if err != nil {
				return err
			}
			ck, km, err := keypackage.WriteCipherKey(args[0], params.PrimarySession, 0, time.Now().Unix(), gen)
			if err != nil {
				return err
			}
			defer km.Destroy()
			fmt.Printf("wrote %s id=%x\n", args[0], ck.ID)
			return nil
		},
	}
	return cmd
}

func parsePolicy(names []string) (keypackage.Policy, error) {
	var p keypackage.Policy
	for _, n := range names {
		switch n {
		case "post-overwrite":
			p |= keypackage.PolicyPostOverwrite
		case "volatile":
			p |= keypackage.PolicyVolatile
		case "package-auth":
			p |= keypackage.PolicyPackageAuth
		case "domain-auth":
			p |= keypackage.PolicyDomainAuth
		default:
			return 0, fmt.Errorf("unknown policy %q", n)
		}
	}
	return p, nil
}

func packageCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "package-create <path>",
		Short: "Create a subkey package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := loadParams()
			if err != nil {
				return err
			}
			policy, err := parsePolicy(flagPolicy)
			if err != nil {
				return err
			}
			gen, err := newGenerator()
			if err != nil {
				return err
			}
			var authority keypackage.KeyAuthority
			seed, err := gen.Fill(len(authority.DomainID) + len(authority.PackageID) + len(authority.PackageTag))
			if err != nil {
				return err
			}
			copy(authority.DomainID[:], seed)
			copy(authority.PackageID[:], seed[32:])
			copy(authority.PackageTag[:], seed[64:])
			authority.PolicyFlags = uint64(policy)

			pkg, err := keypackage.Create(args[0], authority, params.PrimarySession, flagSubkeys, policy, time.Now().Unix(), gen)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s subkeys=%d package=%x\n", args[0], pkg.Count(), authority.PackageID[:8])
			return nil
		},
	}
	cmd.Flags().IntVar(&flagSubkeys, "subkeys", 10, "number of subkeys")
	cmd.Flags().StringSliceVar(&flagPolicy, "policy", nil, "subkey policies (post-overwrite, volatile, package-auth, domain-auth)")
	return cmd
}

func packageReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "package-read <path> <index>",
		Short: "Read one subkey from a package by index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg, err := keypackage.Load(args[0])
			if err != nil {
				return err
			}
			var index int
			if _, err := fmt.Sscanf(args[1], "%d", &index); err != nil {
				return err
			}
			creds := keypackage.Credentials{PackageTag: pkg.Authority.PackageTag, DomainID: pkg.Authority.DomainID}
			desc, km, _, err := pkg.ReadAt(index, creds, time.Now().Unix())
			if err != nil {
				return err
			}
			defer km.Destroy()
			fmt.Printf("subkey %d: engine=%s key=%d bits state=%d\n", index, desc.BlockKind(), desc.KeyBits, pkg.State(index))
			return nil
		},
	}
	return cmd
}

func sessionConfig(params dtm.Parameters) dtm.Config {
	return dtm.Config{
		Params:        params,
		LocalIdentity: dtm.NewIdentity([]byte(flagName), params),
		DomainSecret:  []byte(flagSecret),
		MaxAllocation: flagMaxAlloc,
	}
}

func runEndpoint(e *dtm.Endpoint, interactive bool) error {
	e.Events().SubscribeDataReceived(func(p []byte) {
		fmt.Printf("<< %s\n", p)
	})
	e.Events().SubscribeFileRequest(func(ev *dtm.FileRequestEvent) {
		ev.Accept(ev.ProposedName)
	})
	e.Events().SubscribeFileReceived(func(path string) {
		fmt.Printf("received file %s\n", path)
	})
	e.Events().SubscribeSessionError(func(se dtm.SessionError) {
		logrus.WithField("severity", se.Severity.String()).Warn(se.Err)
	})

	if err := e.Establish(context.Background()); err != nil {
		return err
	}
	defer e.Disconnect()
	fmt.Println("session established")

	if flagSendFile != "" {
		return e.SendFile(context.Background(), flagSendFile)
	}
	if !interactive {
		select {}
	}
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if err := e.Send(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagTransport, "transport", "tcp", "transport (tcp or quic)")
	cmd.Flags().StringVar(&flagSecret, "secret", "", "shared domain secret")
	cmd.Flags().StringVar(&flagName, "identity", "cex", "local identity token")
	cmd.Flags().Int64Var(&flagMaxAlloc, "max-allocation", 240<<20, "receive allocation bound in bytes")
	cmd.Flags().StringVar(&flagSendFile, "send-file", "", "send this file once established")
}

func listenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen <addr>",
		Short: "Wait for a DTM session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := loadParams()
			if err != nil {
				return err
			}
			conn, err := acceptConn(args[0])
			if err != nil {
				return err
			}
			e, err := dtm.NewEndpoint(conn, dtm.RoleResponder, sessionConfig(params))
			if err != nil {
				return err
			}
			return runEndpoint(e, false)
		},
	}
	addSessionFlags(cmd)
	return cmd
}

func connectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <addr>",
		Short: "Open a DTM session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := loadParams()
			if err != nil {
				return err
			}
			conn, err := dialConn(args[0])
			if err != nil {
				return err
			}
			e, err := dtm.NewEndpoint(conn, dtm.RoleInitiator, sessionConfig(params))
			if err != nil {
				return err
			}
			return runEndpoint(e, true)
		},
	}
	addSessionFlags(cmd)
	return cmd
}

func acceptConn(addr string) (dtm.Conn, error) {
	switch flagTransport {
	case "quic":
		ln, err := quic.Listen(addr)
		if err != nil {
			return nil, err
		}
		return ln.Accept(context.Background())
	default:
		ln, err := tcp.Listen(addr)
		if err != nil {
			return nil, err
		}
		return ln.Accept(context.Background())
	}
}

func dialConn(addr string) (dtm.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch flagTransport {
	case "quic":
		return quic.Dial(ctx, addr)
	default:
		return tcp.Dial(ctx, addr)
	}
}
