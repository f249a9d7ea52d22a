package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kardianos/gokdc/config"
	"github.com/kardianos/gokdc/kdb"
	"github.com/kardianos/gokdc/krb5"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var principalCmd = &cobra.Command{
	Use:   "principal",
	Short: "Manage the principal database",
	Long: `Manage principals in a badger database. The KDC holds the database
open while it runs, so stop it first.`,
}

var (
	addPassword       string
	addRandom         bool
	addKVNO           int
	addDisablePreauth bool
	addMaxLife        time.Duration
	listOutput        string
	passwdPassword    string
)

var principalAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add a principal",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrincipalAdd,
}

var principalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List principals",
	Args:  cobra.NoArgs,
	RunE:  runPrincipalList,
}

var principalDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a principal",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrincipalDelete,
}

var principalPasswdCmd = &cobra.Command{
	Use:   "passwd NAME",
	Short: "Add keys for a new password at the next key version",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrincipalPasswd,
}

func init() {
	principalAddCmd.Flags().StringVarP(&addPassword, "password", "p", "", "Password to derive keys from")
	principalAddCmd.Flags().BoolVar(&addRandom, "random", false, "Use random keys instead of a password")
	principalAddCmd.Flags().IntVar(&addKVNO, "kvno", 1, "Key version number")
	principalAddCmd.Flags().BoolVar(&addDisablePreauth, "disable-preauth", false, "Issue tickets without pre-authentication")
	principalAddCmd.Flags().DurationVar(&addMaxLife, "max-life", 0, "Maximum ticket lifetime (0 uses the realm policy)")
	principalListCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "Output format (table|yaml)")
	principalPasswdCmd.Flags().StringVarP(&passwdPassword, "password", "p", "", "New password")
	principalPasswdCmd.MarkFlagRequired("password")

	principalCmd.AddCommand(principalAddCmd)
	principalCmd.AddCommand(principalListCmd)
	principalCmd.AddCommand(principalDeleteCmd)
	principalCmd.AddCommand(principalPasswdCmd)
}

// openStore loads the configuration and opens its database for an
// administrative command.
func openStore() (*config.Config, kdb.Database, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Database.Type != "badger" {
		return nil, nil, nil, fmt.Errorf("principal commands need database.type badger, have %q", cfg.Database.Type)
	}
	log, closer, err := cfg.NewLogger()
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := kdb.OpenBadger(cfg.Database.Path, log)
	if err != nil {
		closer.Close()
		return nil, nil, nil, err
	}
	return cfg, db, func() {
		db.Close()
		closer.Close()
	}, nil
}

func runPrincipalAdd(cmd *cobra.Command, args []string) error {
	if addRandom == (addPassword != "") {
		return fmt.Errorf("give exactly one of --password or --random")
	}
	cfg, db, done, err := openStore()
	if err != nil {
		return err
	}
	defer done()

	p, err := krb5.ParsePrincipal(args[0], cfg.Realm)
	if err != nil {
		return err
	}
	etypes, err := cfg.ETypes()
	if err != nil {
		return err
	}
	var e *kdb.Entry
	if addRandom {
		e, err = kdb.NewRandomEntry(p, addKVNO, etypes)
	} else {
		e, err = kdb.NewEntry(p, addPassword, addKVNO, etypes)
	}
	if err != nil {
		return err
	}
	e.DisablePreauth = addDisablePreauth
	e.MaxLife = addMaxLife
	if err := db.Add(cmd.Context(), e); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %s (kvno %d)\n", p, e.KVNO())
	return nil
}

func runPrincipalDelete(cmd *cobra.Command, args []string) error {
	cfg, db, done, err := openStore()
	if err != nil {
		return err
	}
	defer done()

	p, err := krb5.ParsePrincipal(args[0], cfg.Realm)
	if err != nil {
		return err
	}
	if p.Name.SameName(krb5.TGSName(cfg.Realm)) && p.Realm == cfg.Realm {
		return fmt.Errorf("refusing to delete %s", p)
	}
	if err := db.Delete(cmd.Context(), p); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", p)
	return nil
}

func runPrincipalPasswd(cmd *cobra.Command, args []string) error {
	cfg, db, done, err := openStore()
	if err != nil {
		return err
	}
	defer done()

	p, err := krb5.ParsePrincipal(args[0], cfg.Realm)
	if err != nil {
		return err
	}
	etypes, err := cfg.ETypes()
	if err != nil {
		return err
	}
	e, err := db.Get(cmd.Context(), p)
	if err != nil {
		return err
	}
	if err := e.Rotate(passwdPassword, etypes); err != nil {
		return err
	}
	if err := db.Put(cmd.Context(), e); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Changed keys of %s (kvno %d)\n", p, e.KVNO())
	return nil
}

// principalInfo is the listed form of an entry. Key values are never
// shown.
type principalInfo struct {
	Name           string   `yaml:"name"`
	KVNO           int      `yaml:"kvno"`
	EncTypes       []string `yaml:"enctypes"`
	DisablePreauth bool     `yaml:"disable_preauth,omitempty"`
	MaxLife        string   `yaml:"max_life,omitempty"`
	Created        string   `yaml:"created,omitempty"`
}

func newPrincipalInfo(e *kdb.Entry) principalInfo {
	info := principalInfo{
		Name:           e.Principal.String(),
		KVNO:           e.KVNO(),
		DisablePreauth: e.DisablePreauth,
	}
	for _, et := range e.Keys.ETypes() {
		info.EncTypes = append(info.EncTypes, krb5.ETypeName(et))
	}
	if e.MaxLife > 0 {
		info.MaxLife = e.MaxLife.String()
	}
	if !e.Created.IsZero() {
		info.Created = e.Created.Format(time.RFC3339)
	}
	return info
}

func runPrincipalList(cmd *cobra.Command, args []string) error {
	_, db, done, err := openStore()
	if err != nil {
		return err
	}
	defer done()

	entries, err := db.List(cmd.Context())
	if err != nil {
		return err
	}
	infos := make([]principalInfo, len(entries))
	for i, e := range entries {
		infos[i] = newPrincipalInfo(e)
	}
	return writePrincipals(cmd.OutOrStdout(), listOutput, infos)
}

func writePrincipals(w io.Writer, format string, infos []principalInfo) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(infos); err != nil {
			return err
		}
		return enc.Close()
	case "table":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tKVNO\tENCTYPES\tPREAUTH\tMAX LIFE")
		for _, p := range infos {
			preauth := "required"
			if p.DisablePreauth {
				preauth = "off"
			}
			maxLife := p.MaxLife
			if maxLife == "" {
				maxLife = "-"
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", p.Name, p.KVNO, strings.Join(p.EncTypes, ","), preauth, maxLife)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unsupported output format: %s (use table or yaml)", format)
	}
}
