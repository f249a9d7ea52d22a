package commands

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/kardianos/gokdc/config"
	"github.com/kardianos/gokdc/keystore"
	"github.com/kardianos/gokdc/krb5"
	"github.com/spf13/cobra"
)

var keytabCmd = &cobra.Command{
	Use:   "keytab",
	Short: "Create and inspect keytab files",
}

var (
	ktPassword string
	ktRandom   bool
	ktKVNO     uint8
	ktOut      string
	ktListOut  string
)

var keytabCreateCmd = &cobra.Command{
	Use:   "create PRINCIPAL",
	Short: "Write a keytab for a principal",
	Long: `Write a keytab holding one key per configured enctype. With --random
the keys come from a random password that is not kept, which suits a
krbtgt keytab given to "kdcd serve" through keytab.path.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeytabCreate,
}

var keytabListCmd = &cobra.Command{
	Use:   "list FILE",
	Short: "List the entries of a keytab",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeytabList,
}

func init() {
	keytabCreateCmd.Flags().StringVarP(&ktPassword, "password", "p", "", "Password to derive keys from")
	keytabCreateCmd.Flags().BoolVar(&ktRandom, "random", false, "Derive keys from a random password")
	keytabCreateCmd.Flags().Uint8Var(&ktKVNO, "kvno", 1, "Key version number")
	keytabCreateCmd.Flags().StringVarP(&ktOut, "out", "f", "krb5.keytab", "Output file")
	keytabListCmd.Flags().StringVarP(&ktListOut, "output", "o", "table", "Output format (table|yaml)")

	keytabCmd.AddCommand(keytabCreateCmd)
	keytabCmd.AddCommand(keytabListCmd)
}

func runKeytabCreate(cmd *cobra.Command, args []string) error {
	if ktRandom == (ktPassword != "") {
		return fmt.Errorf("give exactly one of --password or --random")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	p, err := krb5.ParsePrincipal(args[0], cfg.Realm)
	if err != nil {
		return err
	}
	etypes, err := cfg.ETypes()
	if err != nil {
		return err
	}
	password := ktPassword
	if ktRandom {
		if password, err = randomPassword(); err != nil {
			return err
		}
	}
	kt, err := keystore.NewPasswordKeytab(p, password, ktKVNO, etypes)
	if err != nil {
		return err
	}
	b, err := kt.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal keytab: %w", err)
	}
	if err := os.WriteFile(ktOut, b, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d keys for %s to %s\n", len(etypes), p, ktOut)
	return nil
}

func runKeytabList(cmd *cobra.Command, args []string) error {
	b, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	src, err := keystore.ParseKeytab(b, nil)
	if err != nil {
		return err
	}
	keys := src.Keys()
	var infos []principalInfo
	for _, p := range keys.Principals() {
		set := keys.For(p)
		info := principalInfo{Name: p.String()}
		for _, k := range set {
			info.KVNO = max(info.KVNO, k.KVNO)
		}
		for _, et := range set.ETypes() {
			info.EncTypes = append(info.EncTypes, krb5.ETypeName(et))
		}
		infos = append(infos, info)
	}
	return writePrincipals(cmd.OutOrStdout(), ktListOut, infos)
}

func randomPassword() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(b), nil
}
