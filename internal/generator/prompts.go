package generator

const (
	primarySystem = "You write polished, ATS-friendly resumes."
	historySystem = "You write only the Work Experience section for ATS resumes."
)

const primaryPrompt = `You are a professional resume writer. Using the job description and candidate information below, write an ATS-optimized resume containing only these sections, in this order:

1. PROFESSIONAL SUMMARY: 6 to 8 bullet points, each starting with "- ". The first bullet states the candidate's total professional experience as "X+ years of experience", framed for the role in the job description.
   %s
2. SKILLS: 10 to 12 category lines (for example Programming Languages, Cloud Platforms, DevOps & CI/CD Tools, Operating Systems, Development Tools), each followed by a comma-separated list of tools that mirror the job description keywords.
3. CERTIFICATIONS
4. EDUCATION, one entry per degree formatted as:
   [Degree] in [Field of Study]
   [University Name] | [GPA or Percentage]

Put the candidate's name on the first line and a single contact line below it formatted as "Email: ... | Mobile: ... | Location: ...".
Do NOT write the WORK EXPERIENCE section; it is generated separately.
Output the resume only, without explanations or notes.

JOB DESCRIPTION:
%s

CANDIDATE INFORMATION:
%s
`

const historyPrompt = `Write ONLY the WORK EXPERIENCE section of a resume, using the work history in the candidate information.

For each role:
- Start with two lines:
  [Company Name] – [Job Location]
  [Job Title] – [Start Month Year] to [End Month Year]
- Add 10 to 15 bullet points starting with "- ". Each bullet opens with a strong action verb, names concrete technologies, and states a measurable outcome where possible.
- Only mention technologies that were publicly available during that employment period.
- End the role with a line "Technologies Used: tech1, tech2, ..." listing 10 to 15 technologies.

No filler and no repeated bullets. Output the section only.

JOB DESCRIPTION:
%s

CANDIDATE INFORMATION:
%s
`
