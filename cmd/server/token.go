package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/deliverables-engine/api"
	"github.com/warp/deliverables-engine/engine"
)

// tokenCmd mints a bearer token signed with auth.jwt_secret. Production
// tokens come from the identity provider; this is for local testing.
func tokenCmd(flags *globalFlags) *cobra.Command {
	var (
		subject string
		role    string
		grants  []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		Example: `  server token --sub admin --role admin
  server token --sub u-7 --role vendor --grant acme:deliverables:operate --grant acme:billing:operate
  server token --sub u-3 --role staff --grant :deliverables:operate,authorize`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			p := engine.Principal{ID: engine.PrincipalID(subject), Role: engine.Role(role)}
			for _, raw := range grants {
				g, err := parseGrant(raw)
				if err != nil {
					return err
				}
				p.Grants = append(p.Grants, g)
			}

			token, err := api.IssueToken(cfg.Auth.JWTSecret, p, cfg.Auth.Issuer, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "principal ID")
	cmd.Flags().StringVar(&role, "role", "staff", "admin, staff or vendor")
	cmd.Flags().StringArrayVar(&grants, "grant", nil, "company:module:classes (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.MarkFlagRequired("sub")
	return cmd
}

// parseGrant reads "company:module:operate,authorize". An empty company
// means institution-wide.
func parseGrant(raw string) (engine.Grant, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return engine.Grant{}, fmt.Errorf("grant %q: want company:module:classes", raw)
	}

	g := engine.Grant{CompanyID: engine.CompanyID(parts[0]), Module: engine.Module(parts[1])}
	switch g.Module {
	case engine.ModuleDeliverables, engine.ModuleBilling:
	default:
		return engine.Grant{}, fmt.Errorf("grant %q: unknown module %q", raw, parts[1])
	}

	for _, class := range strings.Split(parts[2], ",") {
		switch engine.ActionClass(strings.TrimSpace(class)) {
		case engine.ClassOperate:
			g.Operate = true
		case engine.ClassAuthorize:
			g.Authorize = true
		default:
			return engine.Grant{}, fmt.Errorf("grant %q: unknown action class %q", raw, class)
		}
	}
	if !g.Operate && !g.Authorize {
		return engine.Grant{}, errors.New("grant " + raw + " has no action class")
	}
	return g, nil
}
