// Package cli implements callctl, the operator command line for the
// outbound calling API.
package cli

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"outbound-caller/internal/audit"
	"outbound-caller/internal/calls"
)

const (
	keyServer = "server"
	keyToken  = "token"
)

type app struct {
	v      *viper.Viper
	out    io.Writer
	client *Client
}

// NewRootCommand builds the callctl command tree. Settings come from flags,
// CALLCTL_* environment variables or ~/.callctl.yaml, in that order.
func NewRootCommand(out io.Writer) *cobra.Command {
	a := &app{v: viper.New(), out: out}

	root := &cobra.Command{
		Use:           "callctl",
		Short:         "Outbound calling operator CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (default ~/.callctl.yaml)")
	pf.StringP(keyServer, "s", "http://localhost:8080", "API base URL")
	pf.StringP(keyToken, "t", "", "access token")
	_ = a.v.BindPFlag(keyServer, pf.Lookup(keyServer))
	_ = a.v.BindPFlag(keyToken, pf.Lookup(keyToken))

	root.AddCommand(a.loginCommand(), a.campaignCommand(), a.callCommand(), a.dncCommand(), a.auditCommand())
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	a.v.SetEnvPrefix("callctl")
	a.v.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		a.v.SetConfigFile(path)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			a.v.AddConfigPath(home)
		}
		a.v.SetConfigName(".callctl")
		a.v.SetConfigType("yaml")
	}
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	a.client = NewClient(a.v.GetString(keyServer), a.v.GetString(keyToken))
	return nil
}

func (a *app) ok(format string, args ...any) {
	color.New(color.FgGreen).Fprintf(a.out, "✓ "+format+"\n", args...)
}

func (a *app) table(header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(a.out)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	return t
}

// --- login ---

func (a *app) loginCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <user-id>",
		Short: "Get a token pair; export the access token as CALLCTL_TOKEN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			pair, err := a.client.Login(cmd.Context(), args[0], role)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "access_token: %s\nrefresh_token: %s\n", pair.AccessToken, pair.RefreshToken)
			return nil
		},
	}
	cmd.Flags().StringP("role", "r", "operator", "role: owner, operator, analyst")
	return cmd
}

// --- campaign ---

func (a *app) campaignCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "campaign", Short: "Run and inspect campaigns"}

	start := &cobra.Command{
		Use:   "start <campaign-id>",
		Short: "Queue the campaign's pending contacts and start dialing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts StartOptions
			opts.MaxConcurrent, _ = cmd.Flags().GetInt("max-concurrent")
			opts.DelayMS, _ = cmd.Flags().GetInt("delay-ms")
			res, err := a.client.StartCampaign(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			a.ok("campaign %s started: %d queued, %d skipped (do not call)", res.CampaignID, res.Queued, res.SkippedDNC)
			return nil
		},
	}
	start.Flags().IntP("max-concurrent", "m", 0, "max simultaneous calls (0 = server default)")
	start.Flags().IntP("delay-ms", "d", 0, "pause between placements in ms (0 = server default)")

	stop := &cobra.Command{
		Use:   "stop <campaign-id>",
		Short: "Cancel queued calls and pause the campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client.StopCampaign(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.ok("campaign %s stopped: %d queued calls cancelled", res.CampaignID, res.Cancelled)
			return nil
		},
	}

	pause := &cobra.Command{
		Use:   "pause <campaign-id>",
		Short: "Stop placing new calls, keep the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client.PauseCampaign(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.ok("campaign %s is %s", res.CampaignID, res.Status)
			return nil
		},
	}

	resume := &cobra.Command{
		Use:   "resume <campaign-id>",
		Short: "Continue dialing a paused campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client.ResumeCampaign(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.ok("campaign %s is %s", res.CampaignID, res.Status)
			return nil
		},
	}

	stats := &cobra.Command{
		Use:   "stats <campaign-id>",
		Short: "Show call and contact counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			to, _ := cmd.Flags().GetString("to")
			s, err := a.client.CampaignStats(cmd.Context(), args[0], from, to)
			if err != nil {
				return err
			}
			a.printStats(s)
			return nil
		},
	}
	stats.Flags().String("from", "", "RFC 3339 lower bound on call creation")
	stats.Flags().String("to", "", "RFC 3339 upper bound on call creation")

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := CampaignInput{Name: args[0]}
			f := cmd.Flags()
			in.CallerID, _ = f.GetString("caller-id")
			in.Type, _ = f.GetString("type")
			in.AssistantRef, _ = f.GetString("assistant")
			in.Instructions, _ = f.GetString("instructions")
			in.Greeting, _ = f.GetString("greeting")
			in.TimeLimitSecs, _ = f.GetInt("time-limit")
			in.VoicemailDetection, _ = f.GetBool("voicemail-detection")
			cp, err := a.client.CreateCampaign(cmd.Context(), in)
			if err != nil {
				return err
			}
			a.ok("campaign %s created: %s", cp.Name, cp.ID)
			return nil
		},
	}
	create.Flags().String("caller-id", "", "number calls are placed from")
	create.Flags().String("type", "", "campaign type, e.g. seller_outreach")
	create.Flags().String("assistant", "", "provider assistant id")
	create.Flags().String("instructions", "", "assistant instructions")
	create.Flags().String("greeting", "", "assistant greeting")
	create.Flags().Int("time-limit", 0, "max call length in seconds")
	create.Flags().Bool("voicemail-detection", true, "detect answering machines")
	_ = create.MarkFlagRequired("caller-id")

	addContact := &cobra.Command{
		Use:   "add-contact <campaign-id> <phone>",
		Short: "Add a lead to a campaign",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := ContactInput{Phone: args[1]}
			f := cmd.Flags()
			in.FirstName, _ = f.GetString("first-name")
			in.LastName, _ = f.GetString("last-name")
			in.Email, _ = f.GetString("email")
			in.PropertyAddress, _ = f.GetString("address")
			res, err := a.client.AddContacts(cmd.Context(), args[0], []ContactInput{in})
			if err != nil {
				return err
			}
			for _, r := range res.Rejected {
				color.New(color.FgRed).Fprintf(a.out, "rejected %s: %s\n", r.Phone, r.Error)
			}
			for _, ct := range res.Contacts {
				a.ok("contact %s added: %s", ct.ID, ct.Phone)
			}
			if len(res.Contacts) == 0 {
				return errors.New("no contact added")
			}
			return nil
		},
	}
	addContact.Flags().String("first-name", "", "contact first name")
	addContact.Flags().String("last-name", "", "contact last name")
	addContact.Flags().String("email", "", "contact email")
	addContact.Flags().String("address", "", "property address")

	cmd.AddCommand(create, addContact, start, stop, pause, resume, stats)
	return cmd
}

func (a *app) printStats(s Stats) {
	fmt.Fprintf(a.out, "Campaign: %s (%s)\n", s.CampaignName, s.CampaignID)
	fmt.Fprintf(a.out, "Status:   %s\n", statusColor(s.CampaignStatus))
	fmt.Fprintf(a.out, "Active:   %d\n\n", s.ActiveCalls)

	t := a.table("Metric", "Value")
	t.Append([]string{"Total calls", strconv.Itoa(s.TotalCalls)})
	t.Append([]string{"Connected", fmt.Sprintf("%d (%.1f%%)", s.CallsConnected, s.ConnectionRate*100)})
	t.Append([]string{"Conversions", fmt.Sprintf("%d (%.1f%%)", s.Conversions, s.ConversionRate*100)})
	t.Append([]string{"Recorded", strconv.Itoa(s.RecordedCalls)})
	t.Append([]string{"Avg duration", fmt.Sprintf("%ds", s.AverageDurationSeconds)})
	t.Append([]string{"Contacts", strconv.Itoa(s.TotalContacts)})
	for _, k := range sortedKeys(s.ContactsByStatus) {
		t.Append([]string{"  contacts " + k, strconv.Itoa(s.ContactsByStatus[k])})
	}
	for _, k := range sortedKeys(s.CallsByOutcome) {
		t.Append([]string{"  outcome " + k, strconv.Itoa(s.CallsByOutcome[k])})
	}
	t.Render()
}

// --- call ---

func (a *app) callCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "call", Short: "Place, inspect and correct calls"}

	show := &cobra.Command{
		Use:   "show <call-id>",
		Short: "Show a call and its event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.client.GetCall(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.printCall(d.Call)
			if len(d.Events) > 0 {
				fmt.Fprintln(a.out)
				t := a.table("Time", "Provider", "Event")
				for _, e := range d.Events {
					t.Append([]string{e.OccurredAt.Format("2006-01-02 15:04:05"), e.Provider, e.EventType})
				}
				t.Render()
			}
			return nil
		},
	}

	sync := &cobra.Command{
		Use:   "sync <call-id>",
		Short: "Pull missing data for a call from the provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client.SyncCall(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if res.Synced {
				a.ok("synced: %s", strings.Join(res.Updates, ", "))
			} else {
				color.New(color.FgYellow).Fprintln(a.out, "nothing new found")
			}
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				for _, line := range res.Debug {
					fmt.Fprintln(a.out, "  "+line)
				}
			}
			return nil
		},
	}
	sync.Flags().BoolP("verbose", "v", false, "print the lookup trace")

	outcome := &cobra.Command{
		Use:   "outcome <call-id> <outcome>",
		Short: "Override a call's outcome",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := OutcomeUpdate{Outcome: args[1]}
			u.Notes = optionalFlag(cmd, "notes")
			u.CallbackPreferredAt = optionalFlag(cmd, "callback-at")
			u.AppointmentAt = optionalFlag(cmd, "appointment-at")
			res, err := a.client.SetOutcome(cmd.Context(), args[0], u)
			if err != nil {
				return err
			}
			a.ok("call %s outcome is %s", res.Call.ID, res.Call.Outcome)
			return nil
		},
	}
	outcome.Flags().String("notes", "", "operator notes")
	outcome.Flags().String("callback-at", "", "preferred callback time")
	outcome.Flags().String("appointment-at", "", "appointment time")

	list := func(use, short string, fetch func(*cobra.Command, string) ([]calls.CallView, error), when func(calls.CallView) string) *cobra.Command {
		c := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				campaign, _ := cmd.Flags().GetString("campaign")
				rows, err := fetch(cmd, campaign)
				if err != nil {
					return err
				}
				a.printCallList(rows, when)
				return nil
			},
		}
		c.Flags().StringP("campaign", "c", "", "filter by campaign id")
		return c
	}
	callbacks := list("callbacks", "List calls that asked for a callback",
		func(cmd *cobra.Command, campaign string) ([]calls.CallView, error) {
			return a.client.Callbacks(cmd.Context(), campaign)
		},
		func(v calls.CallView) string { return v.CallbackPreferredAt })
	appointments := list("appointments", "List calls that booked an appointment",
		func(cmd *cobra.Command, campaign string) ([]calls.CallView, error) {
			return a.client.Appointments(cmd.Context(), campaign)
		},
		func(v calls.CallView) string { return v.AppointmentAt })

	initiate := &cobra.Command{
		Use:   "initiate <campaign-id> <contact-id>",
		Short: "Call one contact now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.client.InitiateCall(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			a.ok("call %s is %s", v.ID, v.Status)
			return nil
		},
	}

	all := &cobra.Command{
		Use:   "list",
		Short: "List calls, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var q CallQuery
			f := cmd.Flags()
			q.CampaignID, _ = f.GetString("campaign")
			q.Status, _ = f.GetString("status")
			q.Outcome, _ = f.GetString("outcome")
			q.Limit, _ = f.GetInt("limit")
			q.Offset, _ = f.GetInt("offset")
			rows, err := a.client.ListCalls(cmd.Context(), q)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(a.out, "no calls")
				return nil
			}
			t := a.table("Call", "Contact", "Phone", "Status", "Outcome", "Created")
			for _, v := range rows {
				t.Append([]string{v.ID, v.ContactName, v.ContactPhone, statusColor(string(v.Status)), string(v.Outcome),
					v.CreatedAt.Format("2006-01-02 15:04")})
			}
			t.Render()
			return nil
		},
	}
	all.Flags().StringP("campaign", "c", "", "filter by campaign id")
	all.Flags().String("status", "", "comma separated statuses")
	all.Flags().String("outcome", "", "filter by outcome")
	all.Flags().IntP("limit", "n", 50, "page size")
	all.Flags().Int("offset", 0, "rows to skip")

	cmd.AddCommand(show, sync, outcome, callbacks, appointments, initiate, all)
	return cmd
}

func optionalFlag(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetString(name)
	return &v
}

func (a *app) printCall(v calls.CallView) {
	fmt.Fprintf(a.out, "Call:      %s\n", v.ID)
	fmt.Fprintf(a.out, "Campaign:  %s (%s)\n", v.CampaignName, v.CampaignID)
	fmt.Fprintf(a.out, "Contact:   %s %s\n", v.ContactName, v.ContactPhone)
	fmt.Fprintf(a.out, "Status:    %s\n", statusColor(string(v.Status)))
	if v.Outcome != "" {
		fmt.Fprintf(a.out, "Outcome:   %s\n", v.Outcome)
	}
	if v.DurationSeconds != nil {
		fmt.Fprintf(a.out, "Duration:  %ds\n", *v.DurationSeconds)
	}
	if v.RecordingURL != "" {
		fmt.Fprintf(a.out, "Recording: %s\n", v.RecordingURL)
	}
	if v.Summary != "" {
		fmt.Fprintf(a.out, "Summary:   %s\n", v.Summary)
	}
	if missing := v.MissingFields(); len(missing) > 0 {
		color.New(color.FgYellow).Fprintf(a.out, "Missing:   %s\n", strings.Join(missing, ", "))
	}
}

func (a *app) printCallList(rows []calls.CallView, when func(calls.CallView) string) {
	if len(rows) == 0 {
		fmt.Fprintln(a.out, "no calls")
		return
	}
	t := a.table("Call", "Contact", "Phone", "Campaign", "When", "Notes")
	for _, v := range rows {
		t.Append([]string{v.ID, v.ContactName, v.ContactPhone, v.CampaignName, when(v), v.Notes})
	}
	t.Render()
	fmt.Fprintf(a.out, "%d calls\n", len(rows))
}

// --- dnc ---

func (a *app) dncCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "dnc", Short: "Manage the do-not-call list"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List blocked numbers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rows, err := a.client.ListDNC(cmd.Context())
			if err != nil {
				return err
			}
			t := a.table("Phone", "Reason", "Added")
			for _, e := range rows {
				t.Append([]string{e.Phone, e.Reason, e.CreatedAt.Format("2006-01-02")})
			}
			t.Render()
			return nil
		},
	}

	add := &cobra.Command{
		Use:   "add <phone>",
		Short: "Block a number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			e, err := a.client.AddDNC(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			a.ok("%s added to do-not-call list", e.Phone)
			return nil
		},
	}
	add.Flags().String("reason", "", "why the number is blocked")

	remove := &cobra.Command{
		Use:   "remove <phone>",
		Short: "Unblock a number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.RemoveDNC(cmd.Context(), args[0]); err != nil {
				return err
			}
			a.ok("%s removed from do-not-call list", args[0])
			return nil
		},
	}

	check := &cobra.Command{
		Use:   "check <phone>",
		Short: "Check whether a number is blocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client.CheckDNC(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if res.DoNotCall {
				color.New(color.FgRed).Fprintf(a.out, "%s is on the do-not-call list\n", res.Phone)
			} else {
				fmt.Fprintf(a.out, "%s may be called\n", res.Phone)
			}
			return nil
		},
	}

	cmd.AddCommand(list, add, remove, check)
	return cmd
}

// --- audit ---

func (a *app) auditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the operator audit trail (owners only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var f audit.Filter
			typ, _ := cmd.Flags().GetString("type")
			f.Type = audit.EventType(typ)
			f.CampaignID, _ = cmd.Flags().GetString("campaign")
			f.CallID, _ = cmd.Flags().GetString("call")
			f.Limit, _ = cmd.Flags().GetInt("limit")
			rows, err := a.client.Audit(cmd.Context(), f)
			if err != nil {
				return err
			}
			t := a.table("Time", "Actor", "Role", "Action", "Target")
			for _, e := range rows {
				t.Append([]string{e.CreatedAt.Format("2006-01-02 15:04:05"), e.ActorUserID, e.ActorRole, e.Message, auditTarget(e)})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().String("type", "", "campaign_action, script_edit, outcome_override, dnc_change or call_initiated")
	cmd.Flags().StringP("campaign", "c", "", "filter by campaign id")
	cmd.Flags().String("call", "", "filter by call id")
	cmd.Flags().IntP("limit", "n", 50, "max events")
	return cmd
}

func auditTarget(e audit.Event) string {
	switch {
	case e.CallID != "":
		return "call " + e.CallID
	case e.CampaignID != "":
		return "campaign " + e.CampaignID
	case e.Phone != "":
		return e.Phone
	}
	return ""
}

func statusColor(s string) string {
	switch s {
	case "active", "completed", "in_progress":
		return color.GreenString(s)
	case "failed", "cancelled":
		return color.RedString(s)
	case "paused":
		return color.YellowString(s)
	}
	return s
}

func sortedKeys(m map[string]int) []string {
	return slices.Sorted(maps.Keys(m))
}
