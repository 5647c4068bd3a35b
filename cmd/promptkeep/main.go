// promptkeep keeps git-backed working copies of hosted repositories in sync
// and manages the prompt and tool artifacts stored inside them.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/promptkeep/promptkeep/pkg/artifacts"
	"github.com/promptkeep/promptkeep/pkg/config"
	"github.com/promptkeep/promptkeep/pkg/database"
	"github.com/promptkeep/promptkeep/pkg/hosting"
	"github.com/promptkeep/promptkeep/pkg/repos"
)

var (
	// Global flags
	configFile string
	verbose    bool
	token      string

	// Repository flags
	userID       string
	repoName     string
	providerName string
	ownerName    string
	remoteName   string
	branchName   string
	forcePull    bool

	// Artifact flags
	filePath     string
	artifactType string
	artifactName string
	bodyFile     string
	authorName   string
	authorEmail  string
	historyLimit int
)

func main() {
	_ = godotenv.Load() // silently ignore if .env doesn't exist

	rootCmd := &cobra.Command{
		Use:   "promptkeep",
		Short: "Keep git-backed prompt and tool artifacts in sync",
		Long: `Promptkeep maintains local working copies of hosted repositories and
treats them as a typed store for prompt and tool definitions.

Repositories are cloned on demand and tracked in a registry database; every
artifact write is committed and pushed so the hosted repository stays the
source of truth.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			cmd.SetContext(clog.WithLogger(cmd.Context(), logger))
		},
	}

	// Add global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: .promptkeep.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Hosting access token (default: $PROMPTKEEP_TOKEN, then $GIT_TOKEN)")

	// Add commands
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(reposCmd())
	rootCmd.AddCommand(artifactsCmd())
	rootCmd.AddCommand(migrateCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Ensure configured repositories have healthy working copies",
		Long: `Ensure every repository in the configuration has a healthy local working
copy, cloning or re-cloning where needed. Failures are isolated per
repository: the rest of the set still syncs.

Examples:
  promptkeep sync --user alice
  promptkeep sync --user alice --token ghp_xxx`,
		RunE: runSync,
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "default", "User the working copies belong to")

	return cmd
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	if len(cfg.Repos) == 0 {
		return fmt.Errorf("no repositories configured (add a repos section to the config file)")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GitTimeout())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := newManager(cfg, store)
	available := mgr.EnsureRepos(ctx, userID, cfg.Repos, resolveToken())

	fmt.Printf("Available repositories (%d/%d):\n", len(available), len(cfg.Repos))
	for _, name := range available {
		fmt.Printf("  - %s\n", name)
	}

	records, err := mgr.List(ctx, userID)
	if err != nil {
		return fmt.Errorf("list registry: %w", err)
	}
	fmt.Println("\nRegistry:")
	for _, rec := range records {
		line := fmt.Sprintf("  %-40s %s", rec.RepoName, rec.Status)
		if rec.Status == repos.StatusFailed && rec.CloneError != "" {
			line += ": " + rec.CloneError
		}
		fmt.Println(line)
	}
	return nil
}

func reposCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "Inspect and manage tracked repositories",
	}

	cmd.AddCommand(reposListCmd())
	cmd.AddCommand(reposBranchesCmd())
	cmd.AddCommand(reposStatusCmd())
	cmd.AddCommand(reposPullCmd())
	cmd.AddCommand(reposRemoveCmd())

	return cmd
}

func reposListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List repositories the token can reach on a provider",
		Long: `List remote repositories, normalized across providers.

Examples:
  promptkeep repos list --provider github --token ghp_xxx
  promptkeep repos list --provider gitlab`,
		RunE: runReposList,
	}

	cmd.Flags().StringVarP(&providerName, "provider", "p", "github", "Hosting provider (github, gitlab, bitbucket)")

	return cmd
}

func runReposList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := newManager(cfg, store)
	remotes, err := mgr.RemoteRepositories(cmd.Context(), hosting.Provider(providerName), resolveToken())
	if err != nil {
		return err
	}

	fmt.Printf("Repositories on %s (%d):\n", providerName, len(remotes))
	for _, repo := range remotes {
		visibility := "public"
		if repo.Private {
			visibility = "private"
		}
		fmt.Printf("  %-50s %-8s default=%s\n", repo.FullName, visibility, repo.DefaultBranch)
	}
	return nil
}

func reposBranchesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branches",
		Short: "List branches of one hosted repository",
		Long: `List branches, with the host's default branch marked. When the branch
listing fails but the repository is reachable, just the default branch is
returned.

Examples:
  promptkeep repos branches --provider github --owner acme --name prompts`,
		RunE: runReposBranches,
	}

	cmd.Flags().StringVarP(&providerName, "provider", "p", "github", "Hosting provider (github, gitlab, bitbucket)")
	cmd.Flags().StringVar(&ownerName, "owner", "", "Repository owner or workspace")
	cmd.Flags().StringVar(&remoteName, "name", "", "Repository name")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func runReposBranches(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := newManager(cfg, store)
	branches, err := mgr.RemoteBranches(cmd.Context(), hosting.Provider(providerName), resolveToken(), ownerName, remoteName)
	if err != nil {
		return err
	}

	fmt.Printf("Branches of %s/%s (%d):\n", ownerName, remoteName, len(branches))
	for _, branch := range branches {
		marker := " "
		if branch.IsDefault {
			marker = "*"
		}
		fmt.Printf("  %s %s\n", marker, branch.Name)
	}
	return nil
}

func reposStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a working copy snapshot",
		RunE:  runReposStatus,
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "default", "User the working copy belongs to")
	cmd.Flags().StringVarP(&repoName, "repo", "r", "", "Repository name (owner/repo)")
	_ = cmd.MarkFlagRequired("repo")

	return cmd
}

func runReposStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := newManager(cfg, store)
	status, err := mgr.Status(cmd.Context(), userID, repoName)
	if err != nil {
		return err
	}

	fmt.Printf("Branch:    %s\n", status.CurrentBranch)
	if status.IsClean {
		fmt.Println("State:     clean")
	} else {
		fmt.Println("State:     dirty")
	}
	fmt.Printf("Tracking:  %d ahead, %d behind\n", status.Ahead, status.Behind)
	printFileList("Staged", status.StagedFiles)
	printFileList("Modified", status.ModifiedFiles)
	printFileList("Untracked", status.UntrackedFiles)
	if status.LastCommit != nil {
		fmt.Printf("Last commit: %s %s (%s)\n", status.LastCommit.ShortHash, status.LastCommit.Subject, status.LastCommit.Author)
	}
	return nil
}

func printFileList(label string, files []string) {
	if len(files) == 0 {
		return
	}
	fmt.Printf("%s (%d):\n", label, len(files))
	for _, f := range files {
		fmt.Printf("  %s\n", f)
	}
}

func reposPullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Refresh a working copy from its remote",
		Long: `Pull the latest changes for a tracked working copy. With --force, local
changes are stashed around the pull and restored afterwards.

Examples:
  promptkeep repos pull --user alice --repo acme/prompts
  promptkeep repos pull --user alice --repo acme/prompts --branch main --force`,
		RunE: runReposPull,
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "default", "User the working copy belongs to")
	cmd.Flags().StringVarP(&repoName, "repo", "r", "", "Repository name (owner/repo)")
	cmd.Flags().StringVarP(&branchName, "branch", "b", "", "Branch to check out before pulling")
	cmd.Flags().BoolVar(&forcePull, "force", false, "Stash local changes around the pull")
	_ = cmd.MarkFlagRequired("repo")

	return cmd
}

func runReposPull(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GitTimeout())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := newManager(cfg, store)
	if err := mgr.Pull(ctx, userID, repoName, branchName, forcePull, resolveToken()); err != nil {
		return err
	}
	fmt.Printf("Pulled %s\n", repoName)
	return nil
}

func reposRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Delete a working copy and its registry record",
		RunE:  runReposRemove,
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "default", "User the working copy belongs to")
	cmd.Flags().StringVarP(&repoName, "repo", "r", "", "Repository name (owner/repo)")
	_ = cmd.MarkFlagRequired("repo")

	return cmd
}

func runReposRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := newManager(cfg, store)
	if err := mgr.Remove(cmd.Context(), userID, repoName); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", repoName)
	return nil
}

func artifactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Discover, read and write artifacts in tracked repositories",
	}

	cmd.AddCommand(artifactsListCmd())
	cmd.AddCommand(artifactsGetCmd())
	cmd.AddCommand(artifactsSaveCmd())
	cmd.AddCommand(artifactsDeleteCmd())
	cmd.AddCommand(artifactsHistoryCmd())

	return cmd
}

func artifactsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifact files in a working copy, grouped by type",
		RunE:  runArtifactsList,
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "default", "User the working copy belongs to")
	cmd.Flags().StringVarP(&repoName, "repo", "r", "", "Repository name (owner/repo)")
	_ = cmd.MarkFlagRequired("repo")

	return cmd
}

func runArtifactsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	artifactStore := newArtifactStore(cfg, store)
	found, err := artifactStore.Discover(cmd.Context(), userID, repoName)
	if err != nil {
		return err
	}

	for _, t := range artifacts.Types() {
		paths := found[t]
		fmt.Printf("%s (%d):\n", t, len(paths))
		for _, p := range paths {
			fmt.Printf("  %s\n", p)
		}
	}
	return nil
}

func artifactsGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print one artifact's body as YAML",
		RunE:  runArtifactsGet,
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "default", "User the working copy belongs to")
	cmd.Flags().StringVarP(&repoName, "repo", "r", "", "Repository name (owner/repo)")
	cmd.Flags().StringVar(&filePath, "path", "", "Artifact path relative to the repository root")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("path")

	return cmd
}

func runArtifactsGet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	artifactStore := newArtifactStore(cfg, store)
	artifact, err := artifactStore.Load(cmd.Context(), userID, repoName, filePath)
	if err != nil {
		return err
	}
	if artifact == nil {
		return fmt.Errorf("artifact not found: %s", filePath)
	}

	body, err := yaml.Marshal(artifact.Data)
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	fmt.Print(string(body))
	return nil
}

func artifactsSaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Write an artifact, commit it and push",
		Long: `Write an artifact body into a tracked working copy, commit the change and
push it. The body is read from --file, or stdin when --file is omitted.
When the working copy's branch differs from the repository's base branch, a
pull request is found or created after the push.

Examples:
  promptkeep artifacts save --repo acme/prompts --type prompt --name "Greeting" --file greeting.yaml
  cat tool.yaml | promptkeep artifacts save --repo acme/prompts --type tool --name lookup`,
		RunE: runArtifactsSave,
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "default", "User the working copy belongs to")
	cmd.Flags().StringVarP(&repoName, "repo", "r", "", "Repository name (owner/repo)")
	cmd.Flags().StringVarP(&artifactType, "type", "t", "", "Artifact type (prompt, tool)")
	cmd.Flags().StringVarP(&artifactName, "name", "n", "", "Artifact name, used to derive the path")
	cmd.Flags().StringVar(&filePath, "path", "", "Explicit artifact path (optional, derived from name otherwise)")
	cmd.Flags().StringVarP(&bodyFile, "file", "f", "", "YAML file holding the artifact body (default: stdin)")
	cmd.Flags().StringVar(&authorName, "author-name", "", "Commit author name (default: git.author_name from config)")
	cmd.Flags().StringVar(&authorEmail, "author-email", "", "Commit author email (default: git.author_email from config)")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func runArtifactsSave(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	name, email, err := authorIdentity(cfg)
	if err != nil {
		return err
	}
	data, err := readArtifactBody()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GitTimeout())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	artifactStore := newArtifactStore(cfg, store)
	result, err := artifactStore.Save(ctx, artifacts.SaveRequest{
		UserID:      userID,
		RepoName:    repoName,
		Type:        artifacts.Type(artifactType),
		Name:        artifactName,
		Data:        data,
		FilePath:    filePath,
		Token:       resolveToken(),
		AuthorName:  name,
		AuthorEmail: email,
	})
	if err != nil {
		return err
	}

	action := "Updated"
	if result.Created {
		action = "Created"
	}
	fmt.Printf("%s %s\n", action, result.Path)
	if result.PullRequest != nil {
		fmt.Printf("Pull request #%d: %s\n", result.PullRequest.Number, result.PullRequest.URL)
	}
	if result.PullRequestErr != nil {
		fmt.Printf("Pull request step failed: %v\n", result.PullRequestErr)
	}
	return nil
}

func artifactsDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an artifact, commit the removal and push",
		RunE:  runArtifactsDelete,
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "default", "User the working copy belongs to")
	cmd.Flags().StringVarP(&repoName, "repo", "r", "", "Repository name (owner/repo)")
	cmd.Flags().StringVar(&filePath, "path", "", "Artifact path relative to the repository root")
	cmd.Flags().StringVar(&authorName, "author-name", "", "Commit author name (default: git.author_name from config)")
	cmd.Flags().StringVar(&authorEmail, "author-email", "", "Commit author email (default: git.author_email from config)")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("path")

	return cmd
}

func runArtifactsDelete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	name, email, err := authorIdentity(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GitTimeout())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	artifactStore := newArtifactStore(cfg, store)
	err = artifactStore.Delete(ctx, artifacts.DeleteRequest{
		UserID:      userID,
		RepoName:    repoName,
		FilePath:    filePath,
		Token:       resolveToken(),
		AuthorName:  name,
		AuthorEmail: email,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", filePath)
	return nil
}

func artifactsHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the commits that touched one artifact",
		RunE:  runArtifactsHistory,
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "default", "User the working copy belongs to")
	cmd.Flags().StringVarP(&repoName, "repo", "r", "", "Repository name (owner/repo)")
	cmd.Flags().StringVar(&filePath, "path", "", "Artifact path relative to the repository root")
	cmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of commits to show")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("path")

	return cmd
}

func runArtifactsHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	artifactStore := newArtifactStore(cfg, store)
	commits, err := artifactStore.History(cmd.Context(), userID, repoName, filePath, historyLimit)
	if err != nil {
		return err
	}

	for _, commit := range commits {
		fmt.Printf("%s  %s  %-20s %s\n", commit.ShortHash, commit.Date.Format(time.RFC3339), commit.Author, commit.Subject)
	}
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			db, err := database.New(&cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Database migrations applied")
			return nil
		},
	}
	return cmd
}

func loadConfig(ctx context.Context) (*config.Config, error) {
	if configFile != "" {
		return config.Load(ctx, configFile)
	}
	return config.LoadOrDefault(ctx)
}

// openStore opens the registry database and applies pending migrations.
func openStore(ctx context.Context, cfg *config.Config) (*database.RegistryStore, error) {
	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return database.NewRegistryStore(db), nil
}

func newManager(cfg *config.Config, store repos.Store) *repos.DefaultManager {
	return repos.NewManager(cfg.Paths(), store,
		repos.WithHostingOptions(cfg.HostingOptions()),
		repos.WithRetryCooldown(cfg.CloneCooldown()),
	)
}

func newArtifactStore(cfg *config.Config, store repos.Store) *artifacts.Store {
	return artifacts.NewStore(cfg.Paths(), store,
		artifacts.WithHostingOptions(cfg.HostingOptions()),
	)
}

// resolveToken returns the hosting token: the --token flag first, then
// PROMPTKEEP_TOKEN, then GIT_TOKEN.
func resolveToken() string {
	if token != "" {
		return token
	}
	if t := os.Getenv("PROMPTKEEP_TOKEN"); t != "" {
		return t
	}
	return os.Getenv("GIT_TOKEN")
}

func authorIdentity(cfg *config.Config) (string, string, error) {
	name, email := authorName, authorEmail
	if name == "" {
		name = cfg.Git.AuthorName
	}
	if email == "" {
		email = cfg.Git.AuthorEmail
	}
	if name == "" || email == "" {
		return "", "", fmt.Errorf("git author identity required: set git.author_name and git.author_email in the config or pass --author-name and --author-email")
	}
	return name, email, nil
}

func readArtifactBody() (map[string]any, error) {
	var raw []byte
	var err error
	if bodyFile != "" {
		raw, err = os.ReadFile(bodyFile)
	} else {
		raw, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact body: %w", err)
	}

	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse artifact body: %w", err)
	}
	return data, nil
}
