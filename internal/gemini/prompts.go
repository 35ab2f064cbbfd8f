package gemini

import "github.com/avatarforge/avatarforge/internal/models"

type stylePrompt struct {
	photo string
	text  string
}

var prompts = map[models.AvatarStyle]stylePrompt{
	models.StyleNotion: {
		photo: `Transform this photo into a minimalist black-and-white avatar illustration with these exact characteristics:
- Pure black and white color scheme only
- Simple black outline strokes for facial contours
- Solid black fill for hair (no gradients, no strokes)
- Minimalist facial features: simple shapes for eyes, single line for nose, simple curve for mouth
- Pure white background (#ffffff) - MUST be solid white, no other colors, no gradients, no transparency
- Cartoon proportions with slightly larger head
- Completely flat design with NO shadows or gradients
- Slight hand-drawn imperfection in lines
- Head and shoulders composition only
- Keep the person's key facial features recognizable but simplified`,
		text: `Generate a minimalist black-and-white portrait illustration based on this description:
- Pure black and white color scheme only
- Simple black outline strokes for facial contours
- Solid black fill for hair (no gradients)
- Minimalist facial features: simple shapes for eyes, single line for nose, simple curve for mouth
- Pure white background (#ffffff) - MUST be solid white, no other colors, no gradients, no transparency
- Cartoon proportions with slightly larger head
- Completely flat design with NO shadows or gradients
- Slight hand-drawn imperfection in lines
- Head and shoulders composition only

User description: `,
	},
	models.StyleGhibli: {
		photo: `Transform this photo into a Studio Ghibli style anime character. Key characteristics:
- Hand-drawn anime aesthetic similar to Miyazaki films
- Soft, vibrant colors and lush palette
- Expressive, wide eyes typical of the style
- Detailed, painterly hair and clothes
- Simple but atmospheric background (sky blue or grassy green tones)
- Gentle lighting and shading
- Whimsical and charming feel
- Head and shoulders composition
- Keep the person's key facial features recognizable but stylized`,
		text: `Generate a Studio Ghibli style anime character portrait based on this description:
- Hand-drawn anime aesthetic similar to Miyazaki films
- Soft, vibrant colors and lush palette
- Expressive, wide eyes
- Detailed, painterly hair and clothes
- Simple but atmospheric background
- Gentle lighting and shading
- Whimsical and charming feel
- Head and shoulders composition

User description: `,
	},
	models.StyleOilPainting: {
		photo: `Transform this photo into a classic oil painting portrait. Key characteristics:
- Visible brush strokes and rich texture
- Deep, resonant colors and tonal depth
- Classical lighting (chiaroscuro) with dramatic shadows
- Realistic proportions but painterly execution
- Canvas texture effect
- Elegant and timeless look
- Neutral, dark, or textured background appropriate for a portrait
- Head and shoulders composition
- Maintain resemblance but with artistic interpretation`,
		text: `Generate a classic oil painting portrait based on this description:
- Visible brush strokes and rich texture
- Deep, resonant colors and tonal depth
- Classical lighting (chiaroscuro)
- Realistic proportions but painterly execution
- Canvas texture effect
- Elegant and timeless look
- Neutral, dark, or textured background
- Head and shoulders composition

User description: `,
	},
}
