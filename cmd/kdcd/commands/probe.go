package commands

import (
	"fmt"
	"time"

	"github.com/kardianos/gokdc/client"
	"github.com/kardianos/gokdc/krb5"
	"github.com/spf13/cobra"
)

var (
	probeKDC       string
	probeRealm     string
	probePrincipal string
	probePassword  string
	probeService   string
	probeTransport string
	probeTimeout   time.Duration
	probeSubKey    bool
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Request tickets from a running KDC",
	Long: `Log in to a KDC as a principal and, with --service, request a
service ticket with the TGT. Prints the tickets received.

Examples:
  kdcd probe --kdc 127.0.0.1:88 -u alice@EXAMPLE.COM -p secret
  kdcd probe --kdc kdc.example.com:88 -u alice --realm EXAMPLE.COM -p secret -s HTTP/www.example.com`,
	Args: cobra.NoArgs,
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&probeKDC, "kdc", "127.0.0.1:88", "KDC address")
	probeCmd.Flags().StringVar(&probeRealm, "realm", "", "Realm for names given without one")
	probeCmd.Flags().StringVarP(&probePrincipal, "user", "u", "", "Client principal")
	probeCmd.Flags().StringVarP(&probePassword, "password", "p", "", "Client password")
	probeCmd.Flags().StringVarP(&probeService, "service", "s", "", "Service principal to get a ticket for")
	probeCmd.Flags().StringVar(&probeTransport, "transport", "tcp", "Transport (tcp|udp)")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 5*time.Second, "Round trip timeout")
	probeCmd.Flags().BoolVar(&probeSubKey, "subkey", false, "Send a sub-session key with the TGS request")
	probeCmd.MarkFlagRequired("user")
	probeCmd.MarkFlagRequired("password")
}

func runProbe(cmd *cobra.Command, args []string) error {
	if probeTransport != "tcp" && probeTransport != "udp" {
		return fmt.Errorf("unsupported transport %q", probeTransport)
	}
	p, err := krb5.ParsePrincipal(probePrincipal, probeRealm)
	if err != nil {
		return err
	}
	c := client.New(p, probePassword, client.Config{
		KDC:       probeKDC,
		Transport: probeTransport,
		Timeout:   probeTimeout,
		SubKey:    probeSubKey,
	})

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	tgt, err := c.TGT(ctx)
	if err != nil {
		return fmt.Errorf("login as %s: %w", p, err)
	}
	printTicket(cmd, "TGT", tgt)

	if probeService == "" {
		return nil
	}
	sp, err := krb5.ParsePrincipal(probeService, p.Realm)
	if err != nil {
		return err
	}
	st, err := c.ServiceTicket(ctx, sp.Name)
	if err != nil {
		return fmt.Errorf("ticket for %s: %w", sp, err)
	}
	printTicket(cmd, "Service ticket", st)
	fmt.Fprintln(out, "OK")
	return nil
}

func printTicket(cmd *cobra.Command, label string, t *client.Ticket) {
	server := krb5.Principal{Name: t.Ticket.SName, Realm: t.Ticket.Realm}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n  enctype %s, kvno %d\n  valid %s until %s\n",
		label, server,
		krb5.ETypeName(t.SessionKey.KeyType), t.Ticket.EncPart.KVNO,
		t.Part.AuthTime.Local().Format(time.DateTime), t.EndTime().Local().Format(time.DateTime))
}
