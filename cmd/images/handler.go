package images

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/rossvm/ross/cmd/core"
	"github.com/rossvm/ross/imagepipeline"
	"github.com/rossvm/ross/progress"
	"github.com/rossvm/ross/registry"
	"github.com/rossvm/ross/types"
)

type Handler struct {
	cmdcore.BaseHandler
}

var _ Actions = Handler{}

func (h Handler) Pull(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	collab, err := cmdcore.InitCollaborators(conf)
	if err != nil {
		return err
	}
	for _, image := range args {
		if err := pullOne(ctx, collab.Puller, image); err != nil {
			return err
		}
	}
	return nil
}

func pullOne(ctx context.Context, puller *imagepipeline.Puller, image string) error {
	logger := log.WithFunc("cmd.image.pull")
	tracker := progress.NewTracker(func(e types.PullEvent) {
		switch e.Status {
		case types.PullResolving:
			logger.Infof(ctx, "resolving %s", image)
		case types.PullResolved:
			logger.Infof(ctx, "resolved %s: %s", image, e.Progress)
		case types.PullDownloading:
			logger.Infof(ctx, "[%s] downloading", e.ID)
		case types.PullDownloaded, types.PullStored, types.PullExists, types.PullComplete:
			logger.Infof(ctx, "[%s] %s", e.ID, e.Status)
		case types.PullDigest:
			logger.Infof(ctx, "digest: %s", e.Progress)
		case types.PullUpToDate, types.PullDownloadedNew:
			logger.Infof(ctx, "%s: %s", image, e.Status)
		case types.PullError:
			logger.Errorf(ctx, fmt.Errorf("%s", e.Error), "pull %s failed", image)
		}
	})
	if err := puller.Pull(ctx, image, tracker); err != nil {
		return fmt.Errorf("pull %s: %w", image, err)
	}
	return nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	_, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	collab, err := cmdcore.InitCollaborators(conf)
	if err != nil {
		return err
	}
	tags, err := collab.Store.ListTags()
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	if len(tags) == 0 {
		fmt.Println("No images found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "REPOSITORY\tTAG\tDIGEST\tUPDATED")
	for _, t := range tags {
		digest := string(t.Digest)
		if len(digest) > 19 { //nolint:mnd
			digest = digest[:19]
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Repository, t.Name, digest, t.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func (h Handler) RM(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	collab, err := cmdcore.InitCollaborators(conf)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.image.rm")

	var deleted int
	for _, arg := range args {
		ref, err := registry.ParseReference(arg)
		if err != nil {
			return fmt.Errorf("parse %q: %w", arg, err)
		}
		tag := ref.Tag
		if tag == "" {
			tag = ref.Digest
		}
		if _, err := collab.Store.RemoveTag(ctx, ref.Repository, tag); err != nil {
			return fmt.Errorf("rm %s: %w", arg, err)
		}
		logger.Infof(ctx, "untagged: %s", arg)
		deleted++
	}
	if deleted == 0 {
		logger.Info(ctx, "no matching images found")
	}
	return nil
}

func (h Handler) Inspect(cmd *cobra.Command, args []string) error {
	_, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	collab, err := cmdcore.InitCollaborators(conf)
	if err != nil {
		return err
	}

	ref, err := registry.ParseReference(args[0])
	if err != nil {
		return fmt.Errorf("parse %q: %w", args[0], err)
	}
	tag := ref.Tag
	if tag == "" {
		tag = ref.Digest
	}
	digest, mediaType, err := collab.Store.ResolveTag(ref.Repository, tag)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", args[0], err)
	}
	raw, _, err := collab.Store.GetManifest(digest)
	if err != nil {
		return fmt.Errorf("load manifest %s: %w", digest, err)
	}

	var pretty any
	if err := json.Unmarshal(raw, &pretty); err != nil {
		pretty = string(raw)
	}
	out := struct {
		Repository string `json:"repository"`
		Tag        string `json:"tag"`
		Digest     string `json:"digest"`
		MediaType  string `json:"media_type"`
		Manifest   any    `json:"manifest"`
	}{ref.Repository, tag, string(digest), mediaType, pretty}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
