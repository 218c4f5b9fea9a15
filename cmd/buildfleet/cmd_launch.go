package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/yairfalse/buildfleet/internal/audit"
	"github.com/yairfalse/buildfleet/internal/config"
	"github.com/yairfalse/buildfleet/internal/emitter"
	"github.com/yairfalse/buildfleet/pkg/fleet"
)

var (
	launchImage          string
	launchType           string
	launchKey            string
	launchSecurityGroups []string
	launchSubnet         string
	launchTags           map[string]string
	launchNoWait         bool
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Start a build runner and wait until it is reachable",
	Long: `Start one EC2 instance from the configured image, tag the instance and its
root volume, and block until it reaches the target state, has an address,
and every requested port accepts TCP connections.

A timeout leaves the instance running; it only stops the local wait.`,
	Example: `  buildfleet launch --image ami-0abc --port 22
  buildfleet launch --image ami-0abc --tag "Name=CI Slave" --security-group sg-123
  buildfleet launch --no-wait -o json`,
	Args: cobra.NoArgs,
	RunE: runLaunch,
}

func init() {
	rootCmd.AddCommand(launchCmd)
	addLaunchFlags(launchCmd.Flags())
	addWaitFlags(launchCmd.Flags())
}

func addLaunchFlags(fs *pflag.FlagSet) {
	fs.StringVar(&launchImage, "image", "", "Image (AMI) id")
	fs.StringVar(&launchType, "type", "t2.medium", "Instance type")
	fs.StringVar(&launchKey, "key", "", "Key pair name")
	fs.StringSliceVar(&launchSecurityGroups, "security-group", nil, "Security group id or name (repeatable)")
	fs.StringVar(&launchSubnet, "subnet", "", "Subnet id")
	fs.StringToStringVar(&launchTags, "tag", nil, "Tag applied to the instance and its volume (key=value, repeatable)")
	fs.BoolVar(&launchNoWait, "no-wait", false, "Return as soon as the instance is created")
}

func runLaunch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := appConfig
	applyLaunchFlags(cmd.Flags(), &cfg.Launch, &cfg.Wait)
	applyWaitFlags(cmd.Flags(), &cfg.Wait)
	if err := cfg.Validate(); err != nil {
		return err
	}

	spec := launchSpec(cfg.Launch)
	if spec.ImageID == "" {
		return &fleet.ConfigError{Field: "launch.image_id", Reason: "required (--image)"}
	}

	client, err := newComputeClient(ctx, cfg)
	if err != nil {
		return err
	}

	auditLog, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer closeAudit(auditLog)

	if cfg.Launch.InitialPause > 0 {
		log.Info().Dur("pause", cfg.Launch.InitialPause).Msg("pausing before launch")
		if err := pause(ctx, cfg.Launch.InitialPause); err != nil {
			return err
		}
	}

	inst, err := client.RunInstance(ctx, spec)
	if err != nil {
		if auditLog != nil {
			_ = auditLog.AppendError(audit.EntryFailed, spec.ImageID, spec, err)
		}
		return err
	}
	log.Info().Ctx(ctx).
		Str("instance_id", inst.ID).
		Str("image_id", spec.ImageID).
		Str("instance_type", spec.InstanceType).
		Msg("instance launched")
	if auditLog != nil {
		_ = auditLog.Append(audit.EntryLaunched, inst.ID, spec)
	}

	if cfg.Wait.Enabled {
		inst, err = awaitReady(ctx, client, cfg.Wait, inst.ID, auditLog)
		if err != nil {
			return err
		}
	}

	return emitter.WriteInstance(cmd.OutOrStdout(), appOutput, inst)
}

// applyLaunchFlags overrides the launch section with flags the user set.
func applyLaunchFlags(fs *pflag.FlagSet, lc *config.LaunchConfig, wc *config.WaitConfig) {
	if fs.Changed("image") {
		lc.ImageID = launchImage
	}
	if fs.Changed("type") {
		lc.InstanceType = launchType
	}
	if fs.Changed("key") {
		lc.KeyName = launchKey
	}
	if fs.Changed("security-group") {
		lc.SecurityGroups = launchSecurityGroups
	}
	if fs.Changed("subnet") {
		lc.SubnetID = launchSubnet
	}
	if fs.Changed("tag") {
		if lc.Tags == nil {
			lc.Tags = make(map[string]string, len(launchTags))
		}
		for k, v := range launchTags {
			lc.Tags[k] = v
		}
	}
	if fs.Changed("no-wait") {
		wc.Enabled = !launchNoWait
	}
}

func launchSpec(lc config.LaunchConfig) fleet.LaunchSpec {
	return fleet.LaunchSpec{
		ImageID:        lc.ImageID,
		InstanceType:   lc.InstanceType,
		KeyName:        lc.KeyName,
		SecurityGroups: lc.SecurityGroups,
		SubnetID:       lc.SubnetID,
		Tags:           lc.Tags,
	}
}
