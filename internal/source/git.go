package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// cloneGit shallow-clones url into dest. A "#ref" suffix selects a tag or a
// branch, tried in that order; without it the remote HEAD is used. The .git
// directory is removed so the tree matches an archive extraction. It returns
// the checked out commit.
func cloneGit(ctx context.Context, url, dest string) (string, error) {
	ref := ""
	if i := strings.LastIndexByte(url, '#'); i >= 0 {
		url, ref = url[:i], url[i+1:]
	}

	var candidates []plumbing.ReferenceName
	if ref != "" {
		candidates = []plumbing.ReferenceName{plumbing.NewTagReferenceName(ref), plumbing.NewBranchReferenceName(ref)}
	} else {
		candidates = []plumbing.ReferenceName{""}
	}

	var lastErr error
	for _, name := range candidates {
		opts := &git.CloneOptions{
			URL:          url,
			Depth:        1,
			SingleBranch: true,
			Tags:         git.NoTags,
		}
		if name != "" {
			opts.ReferenceName = name
		}
		repo, err := git.PlainCloneContext(ctx, dest, false, opts)
		if err != nil {
			lastErr = err
			_ = os.RemoveAll(dest)
			continue
		}
		head, err := repo.Head()
		if err != nil {
			return "", fmt.Errorf("resolve HEAD: %w", err)
		}
		if err := os.RemoveAll(filepath.Join(dest, ".git")); err != nil {
			return "", err
		}
		return head.Hash().String(), nil
	}
	return "", fmt.Errorf("clone %s at %q: %w", url, ref, lastErr)
}
