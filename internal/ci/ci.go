// Package ci detects whether the current process is running inside a
// Continuous Integration environment. The cache engine uses this to decide
// whether to wait for the upload daemon to finish before exiting: CI runners
// are typically ephemeral, so a detached background daemon would simply be
// killed with its uploads unfinished.
package ci

import "os"

// checkKind is how one provider's environment variable should be matched.
type checkKind int

const (
	// truthy matches var == "true" or var == "1".
	truthy checkKind = iota
	// present matches any non-empty value.
	present
	// equals matches var == want exactly.
	equals
)

type check struct {
	kind checkKind
	name string
	want string
}

// providers lists the environment variables used to detect each CI
// provider, based on the env-ci project's detection table
// (https://github.com/semantic-release/env-ci). The generic CI variable is
// checked first since most providers set it; provider-specific variables
// follow, alphabetically by provider, for providers that don't.
var providers = []check{
	{truthy, "CI", ""},

	{truthy, "APPVEYOR", ""},                 // Appveyor
	{present, "BUILD_BUILDURI", ""},          // Azure Pipelines
	{present, "bamboo_agentId", ""},          // Bamboo
	{present, "BITBUCKET_BUILD_NUMBER", ""},  // Bitbucket Pipelines
	{truthy, "BITRISE_IO", ""},               // Bitrise
	{present, "BUDDY_WORKSPACE_ID", ""},      // Buddy
	{truthy, "BUILDKITE", ""},                // Buildkite
	{equals, "CF_PAGES", "1"},                // Cloudflare Pages
	{present, "CF_BUILD_ID", ""},             // Codefresh
	{truthy, "CIRCLECI", ""},                 // CircleCI
	{truthy, "CIRRUS_CI", ""},                // Cirrus CI
	{equals, "CI_NAME", "codeship"},          // Codeship
	{present, "CODEBUILD_BUILD_ID", ""},      // AWS CodeBuild
	{present, "DISTELLI_APPNAME", ""},        // Puppet (Distelli)
	{truthy, "DRONE", ""},                    // Drone
	{truthy, "GITHUB_ACTIONS", ""},           // GitHub Actions
	{truthy, "GITLAB_CI", ""},                // GitLab CI
	{present, "JB_SPACE_EXECUTION_NUMBER", ""}, // JetBrains Space
	{present, "JENKINS_URL", ""},             // Jenkins
	{equals, "NETLIFY", "true"},              // Netlify
	{present, "NOW_GITHUB_DEPLOYMENT", ""},   // Vercel (legacy Zeit Now)
	{truthy, "SAILCI", ""},                   // Sail CI
	{truthy, "SCREWDRIVER", ""},              // Screwdriver.cd
	{truthy, "SCRUTINIZER", ""},              // Scrutinizer
	{truthy, "SEMAPHORE", ""},                // Semaphore
	{truthy, "SHIPPABLE", ""},                // Shippable
	{present, "TEAMCITY_VERSION", ""},        // TeamCity
	{truthy, "TRAVIS", ""},                   // Travis CI
	{truthy, "VELA", ""},                     // Vela
	{truthy, "VERCEL", ""},                   // Vercel
	{present, "WERCKER_MAIN_PIPELINE_STARTED", ""}, // Wercker
}

func matches(c check) bool {
	v, ok := os.LookupEnv(c.name)
	if !ok {
		return false
	}
	switch c.kind {
	case truthy:
		return v == "true" || v == "1"
	case present:
		return true
	case equals:
		return v == c.want
	default:
		return false
	}
}

// IsCI reports whether the process appears to be running under a CI
// provider, by checking the generic CI variable and ~30 provider-specific
// variables.
func IsCI() bool {
	for _, c := range providers {
		if matches(c) {
			return true
		}
	}
	return false
}
