package bot

// Set at build time with:
// -ldflags "-X github.com/TomasGnG/discord-bot/bot.Version=$$(date +'%Y%m%d')"
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)
