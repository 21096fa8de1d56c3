package project

import (
	"github.com/go-git/go-git/v5"
)

// SourceRevision returns the HEAD commit of the git repository containing
// dir, or "" when dir is not inside a repository or HEAD is unborn.
func SourceRevision(dir string) string {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()
}
